package visa

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the transport a resource string selects.
type Kind int

// Available kinds of resource.
const (
	KindSocket Kind = iota
	KindVXI11
	KindHiSLIP
	KindSerial
	KindGPIB
)

var kindDesc = map[Kind]string{
	KindSocket: "SOCKET",
	KindVXI11:  "VXI-11",
	KindHiSLIP: "HiSLIP",
	KindSerial: "ASRL",
	KindGPIB:   "GPIB",
}

func (k Kind) String() string {
	return kindDesc[k]
}

// Resource is a parsed VISA resource string.
type Resource struct {
	Kind          Kind
	Board         int
	Host          string // TCPIP
	Port          int    // SOCKET
	Device        string // VXI-11 / HiSLIP device name, e.g. inst0
	SerialPort    string // ASRL, e.g. /dev/ttyUSB0 or COM3
	PrimaryAddr   int    // GPIB
	SecondaryAddr int    // GPIB; -1 when absent
}

// ParseResource parses the VISA resource strings a bench typically uses:
//
//	TCPIP[board]::host::port::SOCKET
//	TCPIP[board]::host[::inst0]::INSTR
//	TCPIP[board]::host::hislip0::INSTR
//	ASRL<n|device>::INSTR
//	GPIB[board]::pad[::sad]::INSTR
//
// Interface type and resource class are case-insensitive.
func ParseResource(s string) (Resource, error) {
	parts := strings.Split(strings.TrimSpace(s), "::")
	if len(parts) < 2 {
		return Resource{}, errors.Errorf("visa: malformed resource %q", s)
	}
	class := strings.ToUpper(parts[len(parts)-1])
	iface := parts[0]
	upper := strings.ToUpper(iface)
	fields := parts[1 : len(parts)-1]
	r := Resource{SecondaryAddr: -1}

	var err error
	switch {
	case strings.HasPrefix(upper, "TCPIP"):
		if r.Board, err = board(upper[len("TCPIP"):]); err != nil {
			return Resource{}, errors.Wrapf(err, "visa: resource %q", s)
		}
		if len(fields) == 0 || fields[0] == "" {
			return Resource{}, errors.Errorf("visa: resource %q has no host", s)
		}
		r.Host = fields[0]
		switch class {
		case "SOCKET":
			if len(fields) != 2 {
				return Resource{}, errors.Errorf("visa: socket resource %q needs host and port", s)
			}
			r.Kind = KindSocket
			if r.Port, err = strconv.Atoi(fields[1]); err != nil || r.Port <= 0 || r.Port > 65535 {
				return Resource{}, errors.Errorf("visa: bad port %q in %q", fields[1], s)
			}
		case "INSTR":
			r.Kind = KindVXI11
			r.Device = "inst0"
			switch len(fields) {
			case 1:
			case 2:
				r.Device = fields[1]
			default:
				return Resource{}, errors.Errorf("visa: malformed resource %q", s)
			}
			if strings.HasPrefix(strings.ToLower(r.Device), "hislip") {
				r.Kind = KindHiSLIP
			}
		default:
			return Resource{}, errors.Errorf("visa: unknown resource class %q in %q", class, s)
		}
	case strings.HasPrefix(upper, "ASRL"):
		if class != "INSTR" || len(fields) != 0 {
			return Resource{}, errors.Errorf("visa: malformed serial resource %q", s)
		}
		r.Kind = KindSerial
		name := iface[len("ASRL"):]
		if name == "" {
			return Resource{}, errors.Errorf("visa: serial resource %q has no port", s)
		}
		r.SerialPort = name
		if n, err := strconv.Atoi(name); err == nil {
			r.Board = n
			r.SerialPort = serialPortName(n)
		}
	case strings.HasPrefix(upper, "GPIB"):
		if class != "INSTR" || len(fields) < 1 || len(fields) > 2 {
			return Resource{}, errors.Errorf("visa: malformed GPIB resource %q", s)
		}
		r.Kind = KindGPIB
		if r.Board, err = board(upper[len("GPIB"):]); err != nil {
			return Resource{}, errors.Wrapf(err, "visa: resource %q", s)
		}
		if r.PrimaryAddr, err = strconv.Atoi(fields[0]); err != nil {
			return Resource{}, errors.Errorf("visa: bad primary address %q in %q", fields[0], s)
		}
		if len(fields) == 2 {
			if r.SecondaryAddr, err = strconv.Atoi(fields[1]); err != nil {
				return Resource{}, errors.Errorf("visa: bad secondary address %q in %q", fields[1], s)
			}
		}
	default:
		return Resource{}, errors.Errorf("visa: unknown interface %q in %q", iface, s)
	}
	return r, nil
}

// String renders r in canonical form.
func (r Resource) String() string {
	switch r.Kind {
	case KindSocket:
		return fmt.Sprintf("TCPIP%d::%s::%d::SOCKET", r.Board, r.Host, r.Port)
	case KindVXI11, KindHiSLIP:
		return fmt.Sprintf("TCPIP%d::%s::%s::INSTR", r.Board, r.Host, r.Device)
	case KindSerial:
		return fmt.Sprintf("ASRL%s::INSTR", r.SerialPort)
	case KindGPIB:
		if r.SecondaryAddr >= 0 {
			return fmt.Sprintf("GPIB%d::%d::%d::INSTR", r.Board, r.PrimaryAddr, r.SecondaryAddr)
		}
		return fmt.Sprintf("GPIB%d::%d::INSTR", r.Board, r.PrimaryAddr)
	}
	return "unknown resource"
}

func board(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.Errorf("bad board number %q", s)
	}
	return n, nil
}

// serialPortName maps ASRL<n> to the platform device: COM<n> on Windows,
// /dev/ttyS<n-1> elsewhere.
func serialPortName(n int) string {
	if runtime.GOOS == "windows" {
		return "COM" + strconv.Itoa(n)
	}
	if n < 1 {
		n = 1
	}
	return "/dev/ttyS" + strconv.Itoa(n-1)
}
