package visa

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gotmc/rsgen/lib/find"
	"github.com/gotmc/rsgen/lib/prologix"
)

// findAdapter locates the Prologix adapter; replaced in tests.
var findAdapter = func() (string, error) {
	return find.Find(find.PrologixFilter)
}

// openGPIB reaches the instrument through a Prologix GPIB-USB adapter.
// The board number is ignored; there is one adapter per port.
func openGPIB(r Resource, o options) (Session, error) {
	name := o.adapterPort
	if name == "" {
		var err error
		if name, err = findAdapter(); err != nil {
			return nil, errors.Wrap(err, "locating Prologix adapter")
		}
		o.log.Info("found Prologix adapter", zap.String("port", name))
	}
	p, err := openSerialLine(name, o)
	if err != nil {
		return nil, err
	}
	copts := []prologix.ControllerOption{prologix.WithLogger(o.log)}
	if r.SecondaryAddr >= 0 {
		copts = append(copts, prologix.WithSecondaryAddress(r.SecondaryAddr))
	}
	if ms := o.timeout.Milliseconds(); ms > 0 {
		copts = append(copts, prologix.WithReadTimeout(int(min(ms, 3000))))
	}
	c, err := prologix.NewController(p, r.PrimaryAddr, true, copts...)
	if err != nil {
		p.Close()
		return nil, err
	}
	if v, err := c.Version(); err == nil {
		o.log.Debug("prologix firmware", zap.String("version", v))
	}
	return c, nil
}
