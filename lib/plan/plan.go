// Package plan reads sweep plans: YAML files describing a list sweep or a
// power sweep to arm on a generator.
//
//	kind: list
//	frequencies: [1e9, 1.1e9, 1.2e9]
//	powers: [0.1, 0.2, 0.1]   # volts
//	dwell: [0.01]             # seconds, one value or one per point
//	repeat: true
//	output: true              # switch RF on once armed
//	run: true                 # trigger the sweep once armed
package plan

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gotmc/rsgen"
)

// Kind selects the sweep type.
type Kind string

// Available kinds of plan.
const (
	KindList  Kind = "list"
	KindPower Kind = "power"
)

// Plan is one sweep. Levels are in volts, dwell times in seconds.
type Plan struct {
	Kind        Kind      `yaml:"kind"`
	Frequencies []float64 `yaml:"frequencies,omitempty"`
	Powers      []float64 `yaml:"powers,omitempty"`
	Dwell       []float64 `yaml:"dwell,omitempty"`
	Start       float64   `yaml:"start,omitempty"`
	Stop        float64   `yaml:"stop,omitempty"`
	Repeat      bool      `yaml:"repeat"`
	Output      *bool     `yaml:"output,omitempty"`
	Run         bool      `yaml:"run,omitempty"`
}

// Generator is the part of rsgen.Generator a plan drives.
type Generator interface {
	SetSweepList(rsgen.ListSweep) error
	SetPowerSweepRange(rsgen.PowerSweep) error
	SetOutputState(on bool) error
	StartSweep() error
}

// Load reads and validates the plan in path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading plan")
	}
	p, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "plan %s", path)
	}
	return p, nil
}

// Parse decodes and validates a plan. Unknown keys are errors.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, errors.Wrap(err, "decoding plan")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan's shape, dwell times and levels. Frequencies
// are checked against the generator's range when the plan is applied.
func (p *Plan) Validate() error {
	switch p.Kind {
	case KindList:
		if p.Start != 0 || p.Stop != 0 {
			return errors.New("list plan: start/stop belong to power plans")
		}
		nf, np := len(p.Frequencies), len(p.Powers)
		if nf == 0 && np == 0 {
			return errors.New("list plan: needs frequencies or powers")
		}
		if nf > 0 && np > 0 && nf != np {
			return errors.Errorf("list plan: %d frequencies but %d powers", nf, np)
		}
		n := max(nf, np)
		if nd := len(p.Dwell); nd > 1 && nd != n {
			return errors.Errorf("list plan: %d dwell times for %d points", nd, n)
		}
		for _, v := range p.Powers {
			if err := checkLevel(v); err != nil {
				return errors.Wrap(err, "list plan")
			}
		}
	case KindPower:
		if len(p.Frequencies) > 0 || len(p.Powers) > 0 {
			return errors.New("power plan: frequencies/powers belong to list plans")
		}
		if len(p.Dwell) > 1 {
			return errors.New("power plan: takes a single dwell time")
		}
		for _, v := range []float64{p.Start, p.Stop} {
			if err := checkLevel(v); err != nil {
				return errors.Wrap(err, "power plan")
			}
		}
	case "":
		return errors.New("plan: kind is required (list or power)")
	default:
		return errors.Errorf("plan: unknown kind %q", p.Kind)
	}
	for _, d := range p.Dwell {
		if d < rsgen.MinDwell || d > rsgen.MaxDwell {
			return &rsgen.RangeError{Param: "dwell time", Value: d, Min: rsgen.MinDwell, Max: rsgen.MaxDwell, Unit: "s"}
		}
	}
	return nil
}

func checkLevel(volts float64) error {
	dbm := rsgen.VoltsToDBm(volts)
	if dbm >= rsgen.MinLevelDBm && dbm <= rsgen.MaxLevelDBm {
		return nil
	}
	return errors.Wrapf(&rsgen.RangeError{
		Param: "level", Value: dbm, Min: rsgen.MinLevelDBm, Max: rsgen.MaxLevelDBm, Unit: "dBm",
	}, "%g V", volts)
}

// ListSweep returns the list sweep a list plan describes.
func (p *Plan) ListSweep() rsgen.ListSweep {
	return rsgen.ListSweep{
		Frequencies: p.Frequencies,
		Powers:      p.Powers,
		Dwell:       p.Dwell,
		Repeat:      p.Repeat,
	}
}

// PowerSweep returns the power sweep a power plan describes.
func (p *Plan) PowerSweep() rsgen.PowerSweep {
	s := rsgen.PowerSweep{Start: p.Start, Stop: p.Stop, Repeat: p.Repeat}
	if len(p.Dwell) == 1 {
		s.Dwell = p.Dwell[0]
	}
	return s
}

// Apply arms the sweep on g, then sets the RF output and triggers the
// sweep when the plan asks for it.
func (p *Plan) Apply(g Generator) error {
	var err error
	switch p.Kind {
	case KindList:
		err = g.SetSweepList(p.ListSweep())
	case KindPower:
		err = g.SetPowerSweepRange(p.PowerSweep())
	default:
		err = errors.Errorf("plan: unknown kind %q", p.Kind)
	}
	if err != nil {
		return err
	}
	if p.Output != nil {
		if err := g.SetOutputState(*p.Output); err != nil {
			return err
		}
	}
	if p.Run {
		return g.StartSweep()
	}
	return nil
}
