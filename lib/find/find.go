package find

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
)

// FilterFn selects a port.
type FilterFn func(*Usbtty) bool

// PrologixFilter matches Prologix GPIB-USB adapters, which enumerate as an
// FTDI serial port with a Prologix product string.
func PrologixFilter(ut *Usbtty) bool {
	return strings.Contains(ut.Prod, "Prologix") || strings.Contains(ut.Mfg, "Prologix")
}

// SerialFilter matches the USB serial number s.
func SerialFilter(s string) FilterFn {
	return func(ut *Usbtty) bool { return ut.Serial == s }
}

// VIDPIDFilter matches a USB vendor and product id, in hex as printed by
// lsusb. Case is ignored.
func VIDPIDFilter(vid, pid string) FilterFn {
	return func(ut *Usbtty) bool {
		return strings.EqualFold(ut.VID, vid) && strings.EqualFold(ut.PID, pid)
	}
}

// Find returns the device path of the single USB serial port accepted by
// filter. A nil filter accepts every port. No match and more than one match
// are both errors.
func Find(filter FilterFn) (string, error) {
	ttys, err := AllUsbTtys()
	if err != nil {
		return "", err
	}
	return pick(ttys, filter)
}

func pick(ttys Usbttys, filter FilterFn) (string, error) {
	var found Usbttys
	for i := range ttys {
		if filter == nil || filter(&ttys[i]) {
			found = append(found, ttys[i])
		}
	}
	switch len(found) {
	case 0:
		return "", errors.New("no matching ttys found")
	case 1:
		return found[0].Dev, nil
	}
	return "", errors.Errorf("multiple matching ttys:\n%s", found)
}

// Usbtty is a USB serial port.
type Usbtty struct {
	Dev       string // e.g. /dev/ttyUSB0
	Path      string // sysfs path of the tty, when known
	VID, PID  string
	Mfg, Prod string
	Serial    string
}

func (u Usbtty) String() string {
	return fmt.Sprintf("dev %s path %s vid/pid %s/%s mfg/prod %s/%s serial %s",
		u.Dev, u.Path, u.VID, u.PID, u.Mfg, u.Prod, u.Serial)
}

type Usbttys []Usbtty

func (uts Usbttys) String() string {
	s := make([]string, 0, len(uts))
	for _, ut := range uts {
		s = append(s, ut.String())
	}
	return strings.Join(s, "\n")
}

var (
	listPorts = enumerator.GetDetailedPortsList
	sysfsTTY  = "/sys/class/tty"
)

// AllUsbTtys lists USB serial ports. The enumerator does not report the
// manufacturer string, so on Linux it is filled in from sysfs; elsewhere
// it stays empty.
func AllUsbTtys() (Usbttys, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, errors.Wrap(err, "enumerating serial ports")
	}
	var ttys Usbttys
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		ut := Usbtty{
			Dev:    p.Name,
			VID:    p.VID,
			PID:    p.PID,
			Prod:   p.Product,
			Serial: p.SerialNumber,
		}
		enrich(&ut)
		ttys = append(ttys, ut)
	}
	return ttys, nil
}

// enrich reads the strings the enumerator leaves out from sysfs. A symlink
// such as
//
//	/sys/class/tty/ttyUSB0 ->
//	/sys/devices/pci0000:00/0000:00:14.0/usb1/1-2/1-2:1.0/ttyUSB0/tty/ttyUSB0
//
// has a device link to the USB interface; its parent is the USB device,
// which holds manufacturer, product and serial.
func enrich(ut *Usbtty) {
	abs, err := filepath.EvalSymlinks(filepath.Join(sysfsTTY, filepath.Base(ut.Dev)))
	if err != nil {
		return
	}
	ut.Path = abs
	iface, err := filepath.EvalSymlinks(filepath.Join(abs, "device"))
	if err != nil {
		return
	}
	dev := filepath.Dir(iface)
	// ttyUSB devices sit one level further down than ttyACM.
	if _, err := os.Stat(filepath.Join(dev, "idVendor")); err != nil {
		dev = filepath.Dir(dev)
	}
	set := func(dst *string, name string) {
		if *dst != "" {
			return
		}
		b, err := os.ReadFile(filepath.Join(dev, name))
		if err == nil {
			*dst = strings.TrimSpace(string(b))
		}
	}
	set(&ut.Mfg, "manufacturer")
	set(&ut.Prod, "product")
	set(&ut.Serial, "serial")
	set(&ut.VID, "idVendor")
	set(&ut.PID, "idProduct")
}
