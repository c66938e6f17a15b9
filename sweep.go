// Copyright (c) 2022–2024 The rsgen developers. All rights reserved.
// Project site: https://github.com/gotmc/rsgen
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package rsgen

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Documented instrument limits used to validate sweeps before anything is
// sent.
const (
	DefaultMinFrequency = 5e3 // Hz
	DefaultMaxFrequency = 5e9 // Hz
	MinLevelDBm         = -145.0
	MaxLevelDBm         = 36.0
	MinDwell            = 0.001 // s
	MaxDwell            = 100.0 // s
	DefaultDwell        = 0.001 // s

	// DefaultListFile is the scratch list file on the instrument.
	DefaultListFile = "/var/user/tmp.lsw"
)

// SweepMode is the sweep configuration last written by the driver.
type SweepMode int

// Available sweep modes.
const (
	ModeCW SweepMode = iota
	ModeList
	ModePowerSweep
)

var sweepModeDesc = map[SweepMode]string{
	ModeCW:         "CW",
	ModeList:       "LIST",
	ModePowerSweep: "POWER SWEEP",
}

func (m SweepMode) String() string {
	return sweepModeDesc[m]
}

// ListSweep describes a frequency/level list. Powers are in volts and are
// sent to the instrument in dBm. Dwell times are in seconds; a single value
// applies to every point, otherwise there must be one per point. An empty
// Dwell means DefaultDwell.
type ListSweep struct {
	Frequencies []float64
	Powers      []float64
	Dwell       []float64
	Repeat      bool
}

// PowerSweep describes a level sweep between Start and Stop volts with a
// fixed dwell in seconds. A zero Dwell means DefaultDwell.
type PowerSweep struct {
	Start  float64
	Stop   float64
	Dwell  float64
	Repeat bool
}

// SetSweepList writes a list sweep and arms its trigger. A list without
// frequencies uses the cached frequency at every point, one without powers
// uses the cached power. An empty list is a no-op. Every parameter is
// validated before the first command is sent, but a transport failure part
// way through leaves the earlier commands applied.
func (g *Generator) SetSweepList(s ListSweep) error {
	if len(s.Frequencies) == 0 && len(s.Powers) == 0 {
		return nil
	}
	args, err := g.buildList(s)
	if err != nil {
		return err
	}
	trig := "SING"
	if s.Repeat {
		trig = "AUTO"
	}
	cmds := []string{
		"SOUR1:LIST:SEL '" + g.listFile + "'", // Select (or create) the list file.
		"SOUR1:LIST:FREQ " + args.freq,
		"SOUR1:LIST:POW " + args.pow,
		"SOUR1:LIST:DWEL:LIST " + args.dwell,
		"SOUR1:LIST:MODE AUTO",         // Step through the whole list per trigger.
		"SOUR1:FREQ:MODE LIST",         // Enter list mode.
		"SOUR1:LIST:DWEL:MODE LIST",    // Use the per-point dwell list.
		"SOUR1:LIST:TRIG:SOUR " + trig, // Run continuously or once.
	}
	for _, cmd := range cmds {
		if err := g.write("%s", cmd); err != nil {
			return err
		}
	}
	g.mode = ModeList
	g.log.Info("list sweep armed",
		zap.Int("points", args.points),
		zap.Bool("repeat", s.Repeat),
	)
	return nil
}

// SetPowerSweepRange writes a level sweep from start to stop volts and arms
// its trigger.
func (g *Generator) SetPowerSweepRange(s PowerSweep) error {
	dwell := s.Dwell
	if dwell == 0 {
		dwell = DefaultDwell
	}
	if err := checkRange("dwell time", dwell, MinDwell, MaxDwell, "s"); err != nil {
		return err
	}
	if err := checkLevel("start level", s.Start); err != nil {
		return err
	}
	if err := checkLevel("stop level", s.Stop); err != nil {
		return err
	}
	trig := "SING"
	if s.Repeat {
		trig = "AUTO"
	}
	cmds := []string{
		"SOUR1:POW:STAR " + formatFloat(s.Start) + " V",
		"SOUR1:POW:STOP " + formatFloat(s.Stop) + " V",
		"SOUR1:SWE:POW:DWEL " + formatFloat(dwell),
		"SOUR1:SWE:POW:MODE AUTO",
		"SOUR1:POW:MODE SWE",
		"TRIG1:PSW:SOUR " + trig,
	}
	for _, cmd := range cmds {
		if err := g.write("%s", cmd); err != nil {
			return err
		}
	}
	g.mode = ModePowerSweep
	g.log.Info("power sweep armed",
		zap.Float64("start_v", s.Start),
		zap.Float64("stop_v", s.Stop),
		zap.Bool("repeat", s.Repeat),
	)
	return nil
}

// StartSweep triggers the configured list or power sweep once.
func (g *Generator) StartSweep() error {
	switch g.mode {
	case ModeList:
		return g.write("SOUR1:LIST:TRIG:EXEC")
	case ModePowerSweep:
		return g.write("SOUR1:SWE:POW:EXEC")
	}
	return ErrNoSweep
}

// StopSweep returns frequency and level to CW operation.
func (g *Generator) StopSweep() error {
	cmds := []string{
		"SOUR1:FREQ:MODE CW",
		"SOUR1:POW:MODE CW",
		"SOUR1:SWE:POW:MODE MANUAL",
	}
	for _, cmd := range cmds {
		if err := g.write("%s", cmd); err != nil {
			return err
		}
	}
	g.mode = ModeCW
	return nil
}

type listArgs struct {
	freq, pow, dwell string
	points           int
}

// buildList validates s and renders the three comma separated list
// arguments.
func (g *Generator) buildList(s ListSweep) (listArgs, error) {
	freqs, pows := s.Frequencies, s.Powers
	switch {
	case len(freqs) == 0:
		freqs = repeat(g.frequency, len(pows))
	case len(pows) == 0:
		pows = repeat(g.power, len(freqs))
	case len(freqs) != len(pows):
		return listArgs{}, errors.Errorf("list length mismatch: %d frequencies, %d powers", len(freqs), len(pows))
	}
	n := len(freqs)

	dwell := s.Dwell
	switch len(dwell) {
	case 0:
		dwell = []float64{DefaultDwell}
	case 1, n:
	default:
		return listArgs{}, errors.Errorf("list length mismatch: %d dwell times for %d points", len(dwell), n)
	}

	fs := make([]string, 0, n)
	for _, f := range freqs {
		if err := checkRange("frequency", f, g.minFreq, g.maxFreq, "Hz"); err != nil {
			return listArgs{}, err
		}
		fs = append(fs, formatFloat(f)+"Hz")
	}
	ps := make([]string, 0, n)
	for _, v := range pows {
		if err := checkLevel("level", v); err != nil {
			return listArgs{}, err
		}
		ps = append(ps, formatFloat(VoltsToDBm(v))+"dBm")
	}
	ds := make([]string, 0, len(dwell))
	for _, d := range dwell {
		if err := checkRange("dwell time", d, MinDwell, MaxDwell, "s"); err != nil {
			return listArgs{}, err
		}
		ds = append(ds, formatFloat(SecondsToMicroseconds(d))+"us")
	}
	return listArgs{
		freq:   strings.Join(fs, ", "),
		pow:    strings.Join(ps, ", "),
		dwell:  strings.Join(ds, ", "),
		points: n,
	}, nil
}

// checkLevel validates a level given in volts against the dBm limits.
func checkLevel(param string, volts float64) error {
	dbm := VoltsToDBm(volts)
	if err := checkRange(param, dbm, MinLevelDBm, MaxLevelDBm, "dBm"); err != nil {
		return errors.Wrapf(err, "%g V", volts)
	}
	return nil
}

func repeat(v float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}
