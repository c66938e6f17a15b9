// Package simulator is an in-memory stand-in for an R&S SMB100A/SMA100B
// signal generator. It understands the SCPI subset the rsgen driver emits,
// keeps the resulting instrument state and records every command it sees.
// An Instrument can be used directly as a driver session or served over TCP
// with the raw socket protocol.
package simulator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultIdentity is the *IDN? reply of a new Instrument.
const DefaultIdentity = "Rohde&Schwarz,SMA100B,1419.8888K02/101234,4.70.026.32"

// CloseHeader is the key passed to Fail to make Close return an error.
const CloseHeader = "@CLOSE"

// Instrument frequency range and level limits, in Hz and dBm.
const (
	MinFrequency = 8e3
	MaxFrequency = 6e9
	MinLevelDBm  = -145.0
	MaxLevelDBm  = 36.0
)

// State is a snapshot of the simulated instrument settings.
type State struct {
	Identity   string
	Remote     bool
	PowerUnit  string
	Frequency  float64 // Hz
	Power      float64 // V
	PowerLimit float64 // V
	Output     bool

	FreqMode  string // CW or LIST
	PowerMode string // CW or SWE

	ListFile    string
	ListFreq    []float64 // Hz
	ListPower   []float64 // dBm
	ListDwell   []float64 // s
	ListMode    string
	DwellMode   string
	ListTrigger string

	SweepStart   float64 // V
	SweepStop    float64 // V
	SweepDwell   float64 // s
	SweepMode    string
	SweepTrigger string

	Triggers int
}

// Instrument is a simulated signal generator. It is safe for concurrent use,
// so several socket connections may share one.
type Instrument struct {
	mu       sync.Mutex
	log      *zap.Logger
	strict   bool
	st       State
	history  []string
	errQueue []string
	failures map[string]error
	closed   bool
}

// Option applies an option to the simulated instrument.
type Option func(*Instrument)

// WithLogger logs every handled line at debug level.
func WithLogger(log *zap.Logger) Option {
	return func(in *Instrument) { in.log = log }
}

// Strict makes Command and Query return an error for headers the simulator
// does not know, instead of only queueing a SCPI error.
func Strict() Option { return func(in *Instrument) { in.strict = true } }

// WithState replaces the power-on state.
func WithState(st State) Option { return func(in *Instrument) { in.st = st } }

// New returns an instrument in its power-on state: 1 GHz, 0.1 V, 1 V
// limit, RF off, local control.
func New(opts ...Option) *Instrument {
	in := &Instrument{
		log:      zap.NewNop(),
		st:       DefaultState(),
		failures: map[string]error{},
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// DefaultState is the power-on state used by New.
func DefaultState() State {
	return State{
		Identity:     DefaultIdentity,
		PowerUnit:    "DBM",
		Frequency:    1e9,
		Power:        0.1,
		PowerLimit:   1,
		FreqMode:     "CW",
		PowerMode:    "CW",
		ListMode:     "AUTO",
		DwellMode:    "LIST",
		ListTrigger:  "AUTO",
		SweepDwell:   0.01,
		SweepMode:    "AUTO",
		SweepTrigger: "AUTO",
	}
}

// Command handles a SCPI command. Like the driver sessions, format is only
// passed through fmt.Sprintf when arguments are given.
func (in *Instrument) Command(format string, a ...any) error {
	cmd := format
	if len(a) > 0 {
		cmd = fmt.Sprintf(format, a...)
	}
	_, _, err := in.Handle(cmd)
	return err
}

// Query handles a SCPI query and returns its reply.
func (in *Instrument) Query(cmd string) (string, error) {
	reply, ok, err := in.Handle(cmd)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.Errorf("%q is not a query", cmd)
	}
	return reply, nil
}

// Close marks the session closed. Later commands fail.
func (in *Instrument) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	return in.failures[CloseHeader]
}

// Reopen clears the closed flag so the instrument can be reused.
func (in *Instrument) Reopen() {
	in.mu.Lock()
	in.closed = false
	in.mu.Unlock()
}

// Closed reports whether Close was called.
func (in *Instrument) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Fail makes every command or query whose normalized header equals header
// return err, e.g. "&GTL", "OUTP:STAT" or "SOUR:FREQ?". Use CloseHeader for
// Close. A nil err removes the failure.
func (in *Instrument) Fail(header string, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err == nil {
		delete(in.failures, header)
		return
	}
	in.failures[header] = err
}

// State returns a copy of the current settings.
func (in *Instrument) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	st := in.st
	st.ListFreq = append([]float64(nil), in.st.ListFreq...)
	st.ListPower = append([]float64(nil), in.st.ListPower...)
	st.ListDwell = append([]float64(nil), in.st.ListDwell...)
	return st
}

// SetFrontPanel changes settings as if an operator used the front panel.
// The change is not recorded in the history.
func (in *Instrument) SetFrontPanel(fn func(*State)) {
	in.mu.Lock()
	fn(&in.st)
	in.mu.Unlock()
}

// History returns every line handled so far, commands and queries alike.
func (in *Instrument) History() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.history...)
}

// ClearHistory forgets the recorded lines.
func (in *Instrument) ClearHistory() {
	in.mu.Lock()
	in.history = nil
	in.mu.Unlock()
}

// Errors returns the queued SCPI errors without removing them.
func (in *Instrument) Errors() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.errQueue...)
}

// Handle processes one line. For queries it returns the reply and true.
func (in *Instrument) Handle(line string) (string, bool, error) {
	line = strings.TrimSpace(line)
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return "", false, errors.New("session closed")
	}
	in.history = append(in.history, line)
	header, arg := splitCommand(line)
	in.log.Debug("handle", zap.String("header", header), zap.String("arg", arg))
	if err := in.failures[header]; err != nil {
		return "", false, err
	}
	if strings.HasSuffix(header, "?") {
		reply, err := in.query(header)
		if err != nil {
			return "", false, in.scpiError(err)
		}
		return reply, true, nil
	}
	return "", false, in.scpiError(in.command(header, arg))
}

// scpiError queues err in the SCPI error queue. In strict mode it is also
// returned to the caller.
func (in *Instrument) scpiError(err error) error {
	if err == nil {
		return nil
	}
	in.errQueue = append(in.errQueue, err.Error())
	if in.strict {
		return err
	}
	return nil
}

func (in *Instrument) query(header string) (string, error) {
	st := &in.st
	switch header {
	case "*IDN?":
		return st.Identity, nil
	case "*OPC?":
		return "1", nil
	case "SYST:ERR?":
		if len(in.errQueue) == 0 {
			return `0,"No error"`, nil
		}
		e := in.errQueue[0]
		in.errQueue = in.errQueue[1:]
		return e, nil
	case "UNIT:POW?":
		return st.PowerUnit, nil
	case "SOUR:FREQ?":
		return formatFloat(st.Frequency), nil
	case "SOUR:FREQ:MODE?":
		return st.FreqMode, nil
	case "SOUR:POW?":
		return formatFloat(in.toUnit(st.Power)), nil
	case "SOUR:POW:LIM?":
		return formatFloat(in.toUnit(st.PowerLimit)), nil
	case "SOUR:POW:MODE?":
		return st.PowerMode, nil
	case "OUTP:STAT?":
		if st.Output {
			return "1", nil
		}
		return "0", nil
	case "SOUR:LIST:FREQ?":
		return joinFloats(st.ListFreq), nil
	case "SOUR:LIST:POW?":
		return joinFloats(st.ListPower), nil
	case "SOUR:LIST:DWEL:LIST?":
		return joinFloats(st.ListDwell), nil
	case "SOUR:LIST:FREQ:POIN?":
		return strconv.Itoa(len(st.ListFreq)), nil
	case "SOUR:LIST:SEL?":
		return "'" + st.ListFile + "'", nil
	}
	return "", errors.Errorf(`-113,"Undefined header;%s"`, header)
}

func (in *Instrument) command(header, arg string) error {
	st := &in.st
	switch header {
	case "&GTR":
		st.Remote = true
	case "&GTL":
		st.Remote = false
	case "*RST":
		st.Frequency, st.Power, st.Output = 1e9, 0.1, false
		st.FreqMode, st.PowerMode = "CW", "CW"
	case "*CLS":
		in.errQueue = nil
	case "UNIT:POW":
		u := strings.ToUpper(arg)
		switch u {
		case "V", "DBM", "DBUV":
			st.PowerUnit = u
		default:
			return illegal(header, arg)
		}
	case "SOUR:FREQ":
		f, err := parseValue(arg, freqUnits)
		if err != nil {
			return illegal(header, arg)
		}
		if f < MinFrequency || f > MaxFrequency {
			return outOfRange(header, arg)
		}
		st.Frequency = f
	case "SOUR:FREQ:MODE":
		return setEnum(&st.FreqMode, header, arg, "CW", "FIX", "LIST", "SWE")
	case "SOUR:POW", "SOUR:POW:LIM":
		v, err := in.parseLevel(arg)
		if err != nil {
			return illegal(header, arg)
		}
		if header == "SOUR:POW" {
			st.Power = v
		} else {
			st.PowerLimit = v
		}
	case "SOUR:POW:MODE":
		return setEnum(&st.PowerMode, header, arg, "CW", "FIX", "SWE", "LIST")
	case "SOUR:POW:STAR", "SOUR:POW:STOP":
		v, err := in.parseLevel(arg)
		if err != nil {
			return illegal(header, arg)
		}
		if header == "SOUR:POW:STAR" {
			st.SweepStart = v
		} else {
			st.SweepStop = v
		}
	case "SOUR:SWE:POW:DWEL":
		d, err := parseValue(arg, timeUnits)
		if err != nil {
			return illegal(header, arg)
		}
		st.SweepDwell = d
	case "SOUR:SWE:POW:MODE":
		return setEnum(&st.SweepMode, header, arg, "AUTO", "MAN", "MANUAL", "STEP")
	case "SOUR:SWE:POW:EXEC", "SOUR:LIST:TRIG:EXEC":
		st.Triggers++
	case "TRIG:PSW:SOUR":
		return setEnum(&st.SweepTrigger, header, arg, "AUTO", "SING", "EXT", "EAUT")
	case "SOUR:LIST:SEL":
		st.ListFile = strings.Trim(arg, `'"`)
	case "SOUR:LIST:FREQ":
		vs, err := parseList(arg, freqUnits)
		if err != nil {
			return illegal(header, arg)
		}
		st.ListFreq = vs
	case "SOUR:LIST:POW":
		vs, err := parseList(arg, levelUnits)
		if err != nil {
			return illegal(header, arg)
		}
		for _, v := range vs {
			if v < MinLevelDBm || v > MaxLevelDBm {
				return outOfRange(header, arg)
			}
		}
		st.ListPower = vs
	case "SOUR:LIST:DWEL:LIST":
		vs, err := parseList(arg, timeUnits)
		if err != nil {
			return illegal(header, arg)
		}
		st.ListDwell = vs
	case "SOUR:LIST:MODE":
		return setEnum(&st.ListMode, header, arg, "AUTO", "STEP")
	case "SOUR:LIST:DWEL:MODE":
		return setEnum(&st.DwellMode, header, arg, "LIST", "FIX")
	case "SOUR:LIST:TRIG:SOUR":
		return setEnum(&st.ListTrigger, header, arg, "AUTO", "SING", "EXT", "EAUT")
	case "OUTP:STAT":
		switch strings.ToUpper(arg) {
		case "1", "ON":
			st.Output = true
		case "0", "OFF":
			st.Output = false
		default:
			return illegal(header, arg)
		}
	default:
		return errors.Errorf(`-113,"Undefined header;%s"`, header)
	}
	return nil
}

// parseLevel reads a level in the current power unit, or in the unit given
// as suffix, and returns volts.
func (in *Instrument) parseLevel(arg string) (float64, error) {
	num, unit := splitUnit(arg)
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}
	if unit == "" {
		unit = in.st.PowerUnit
	}
	switch unit {
	case "V":
		return v, nil
	case "MV":
		return v / 1e3, nil
	case "UV":
		return v / 1e6, nil
	case "DBM":
		return dbmToVolts(v), nil
	case "DBUV":
		return 1e-6 * math.Pow(10, v/20), nil
	}
	return 0, errors.Errorf("unknown unit %q", unit)
}

func (in *Instrument) toUnit(volts float64) float64 {
	switch in.st.PowerUnit {
	case "DBM":
		return voltsToDBm(volts)
	case "DBUV":
		return 20 * math.Log10(volts/1e-6)
	}
	return volts
}

func setEnum(dst *string, header, arg string, allowed ...string) error {
	a := strings.ToUpper(strings.TrimSpace(arg))
	for _, v := range allowed {
		if a == v {
			*dst = a
			return nil
		}
	}
	return illegal(header, arg)
}

func illegal(header, arg string) error {
	return errors.Errorf(`-224,"Illegal parameter value;%s %s"`, header, arg)
}

func outOfRange(header, arg string) error {
	return errors.Errorf(`-222,"Data out of range;%s %s"`, header, arg)
}

func voltsToDBm(v float64) float64 { return 10 * math.Log10(v*v*1000/50) }

func dbmToVolts(dbm float64) float64 { return math.Sqrt(math.Pow(10, dbm/10) * 50 / 1000) }

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func joinFloats(vs []float64) string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = formatFloat(v)
	}
	return strings.Join(s, ",")
}
