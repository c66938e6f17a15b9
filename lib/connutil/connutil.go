// Package connutil turns flags, environment and config file settings into
// an open Generator.
package connutil

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gotmc/rsgen"
	"github.com/gotmc/rsgen/lib/cmdlog"
	"github.com/gotmc/rsgen/lib/visa"
)

// Config keys, also the flag names.
const (
	KeyResource = "resource"
	KeyTimeout  = "timeout"
	KeyBaud     = "baud"
	KeyAdapter  = "adapter"
	KeyTrace    = "trace"
	KeyListFile = "list-file"
	KeyMinFreq  = "min-freq"
	KeyMaxFreq  = "max-freq"
	KeyNoRemote = "no-remote"
	KeyRFOff    = "rf-off-on-exit"
)

// EnvPrefix prefixes environment overrides, e.g. RSGEN_RESOURCE.
const EnvPrefix = "RSGEN"

// Conn holds everything needed to reach and configure a generator.
type Conn struct {
	Resource string        `yaml:"resource"`
	Timeout  time.Duration `yaml:"timeout"`
	Baud     int           `yaml:"baud"`
	Adapter  string        `yaml:"adapter,omitempty"`
	Trace    bool          `yaml:"trace"`
	ListFile string        `yaml:"list-file"`
	MinFreq  float64       `yaml:"min-freq"`
	MaxFreq  float64       `yaml:"max-freq"`
	NoRemote bool          `yaml:"no-remote"`
	RFOff    bool          `yaml:"rf-off-on-exit"`
}

// Default returns the settings used when nothing is configured.
func Default() Conn {
	return Conn{
		Resource: "TCPIP0::localhost::5025::SOCKET",
		Timeout:  visa.DefaultTimeout,
		Baud:     visa.DefaultBaudRate,
		ListFile: rsgen.DefaultListFile,
		MinFreq:  rsgen.DefaultMinFrequency,
		MaxFreq:  rsgen.DefaultMaxFrequency,
	}
}

// AddFlags registers the connection flags on fs with defaults from
// Default.
func AddFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringP(KeyResource, "r", d.Resource, "VISA resource string of the generator")
	fs.Duration(KeyTimeout, d.Timeout, "I/O timeout")
	fs.Int(KeyBaud, d.Baud, "serial baud rate (ASRL resources and the Prologix adapter)")
	fs.String(KeyAdapter, "", "serial port of the Prologix GPIB-USB adapter (found by USB product string if empty)")
	fs.Bool(KeyTrace, false, "log every SCPI command and reply")
	fs.String(KeyListFile, d.ListFile, "list file used for list sweeps")
	fs.Float64(KeyMinFreq, d.MinFreq, "lowest frequency accepted in sweep lists, Hz")
	fs.Float64(KeyMaxFreq, d.MaxFreq, "highest frequency accepted in sweep lists, Hz")
	fs.Bool(KeyNoRemote, false, "do not switch the generator to remote on connect")
	fs.Bool(KeyRFOff, false, "switch the RF output off when disconnecting")
}

// Bind makes v resolve the connection keys from fs, RSGEN_* environment
// variables and the config file, in that order of precedence.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		KeyResource, KeyTimeout, KeyBaud, KeyAdapter, KeyTrace,
		KeyListFile, KeyMinFreq, KeyMaxFreq, KeyNoRemote, KeyRFOff,
	} {
		f := fs.Lookup(key)
		if f == nil {
			return errors.Errorf("flag --%s not registered", key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "binding --%s", key)
		}
	}
	return nil
}

// Load reads the connection settings from v.
func Load(v *viper.Viper) Conn {
	return Conn{
		Resource: v.GetString(KeyResource),
		Timeout:  v.GetDuration(KeyTimeout),
		Baud:     v.GetInt(KeyBaud),
		Adapter:  v.GetString(KeyAdapter),
		Trace:    v.GetBool(KeyTrace),
		ListFile: v.GetString(KeyListFile),
		MinFreq:  v.GetFloat64(KeyMinFreq),
		MaxFreq:  v.GetFloat64(KeyMaxFreq),
		NoRemote: v.GetBool(KeyNoRemote),
		RFOff:    v.GetBool(KeyRFOff),
	}
}

// Setup opens the session and builds the Generator. cleanup returns the
// generator to local and closes the session, switching RF off first when
// RFOff is set; failures are logged.
func (c Conn) Setup(ctx context.Context, log *zap.Logger) (g *rsgen.Generator, cleanup func(), err error) {
	nocleanup := func() {}

	log.Info("connecting", zap.String("resource", c.Resource))
	opts := []visa.Option{
		visa.WithTimeout(c.Timeout),
		visa.WithLogger(log),
	}
	if c.Baud > 0 {
		opts = append(opts, visa.WithBaudRate(c.Baud))
	}
	if c.Adapter != "" {
		opts = append(opts, visa.WithAdapterPort(c.Adapter))
	}
	s, err := visa.Open(ctx, c.Resource, opts...)
	if err != nil {
		return nil, nocleanup, err
	}
	var inst rsgen.Instrument = s
	if c.Trace {
		inst = cmdlog.Wrap(s, log)
	}

	gopts := []rsgen.GeneratorOption{rsgen.WithLogger(log)}
	if c.ListFile != "" {
		gopts = append(gopts, rsgen.WithListFile(c.ListFile))
	}
	if c.MinFreq != 0 || c.MaxFreq != 0 {
		gopts = append(gopts, rsgen.WithFrequencyRange(c.MinFreq, c.MaxFreq))
	}
	if c.NoRemote {
		gopts = append(gopts, rsgen.WithoutRemote())
	}
	g, err = rsgen.NewGenerator(inst, gopts...)
	if err != nil {
		s.Close()
		return nil, nocleanup, err
	}

	cleanup = func() {
		closeFn := g.Release
		if c.RFOff {
			closeFn = g.Close
		}
		if err := closeFn(); err != nil {
			log.Error("closing generator", zap.Error(err))
		}
	}
	return g, cleanup, nil
}
