// Copyright (c) 2022–2024 The rsgen developers. All rights reserved.
// Project site: https://github.com/gotmc/rsgen
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package rsgen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Instrument is the command/query channel to the signal generator. The
// sessions returned by visa.Open satisfy it, as does the simulator.
type Instrument interface {
	Command(format string, a ...any) error
	Query(cmd string) (string, error)
	Close() error
}

// Generator models a Rohde & Schwarz SMB/SMA signal generator. It caches the
// last known frequency, power, power limit and output state; the cache is
// updated optimistically by every setter and wholesale by Refresh. A
// Generator is not safe for concurrent use.
type Generator struct {
	inst     Instrument
	log      *zap.Logger
	minFreq  float64
	maxFreq  float64
	listFile string
	remote   bool

	frequency  float64
	power      float64
	powerLimit float64
	outputOn   bool
	mode       SweepMode
}

// GeneratorOption applies an option to the generator.
type GeneratorOption func(*Generator)

// NewGenerator takes ownership of the given instrument session, switches the
// power unit to volts and, unless WithoutRemote is given, puts the
// instrument in remote mode, which also fills the parameter cache.
func NewGenerator(inst Instrument, opts ...GeneratorOption) (*Generator, error) {
	g := Generator{
		inst:     inst,
		log:      zap.NewNop(),
		minFreq:  DefaultMinFrequency,
		maxFreq:  DefaultMaxFrequency,
		listFile: DefaultListFile,
		remote:   true,
	}

	// Apply options using the functional option pattern.
	for _, opt := range opts {
		opt(&g)
	}

	if g.minFreq >= g.maxFreq {
		return nil, errors.Errorf("invalid frequency range [%g, %g] Hz", g.minFreq, g.maxFreq)
	}

	if err := g.write("UNIT:POW V"); err != nil {
		return nil, err
	}
	if g.remote {
		if err := g.SetRemote(); err != nil {
			return nil, err
		}
	}
	return &g, nil
}

// WithLogger sets the logger used for command tracing and cache updates.
func WithLogger(log *zap.Logger) GeneratorOption {
	return func(g *Generator) {
		if log != nil {
			g.log = log
		}
	}
}

// WithFrequencyRange overrides the frequency range, in Hz, that list sweeps
// are validated against. Model options such as B106 or B120 extend the
// upper limit.
func WithFrequencyRange(min, max float64) GeneratorOption {
	return func(g *Generator) {
		g.minFreq = min
		g.maxFreq = max
	}
}

// WithListFile sets the instrument side file that list sweeps are written
// to.
func WithListFile(path string) GeneratorOption {
	return func(g *Generator) { g.listFile = path }
}

// WithoutRemote skips the &GTR and parameter refresh normally done by
// NewGenerator. The cache starts zeroed.
func WithoutRemote() GeneratorOption { return func(g *Generator) { g.remote = false } }

// Frequency returns the cached frequency in Hz.
func (g *Generator) Frequency() float64 { return g.frequency }

// QueryFrequency reads the frequency in Hz from the instrument. The cache is
// not updated; use Refresh for that.
func (g *Generator) QueryFrequency() (float64, error) {
	return g.queryFloat("SOUR1:FREQ?")
}

// SetFrequency sets the CW frequency in Hz. The value is not range checked;
// the instrument rejects what it cannot generate.
func (g *Generator) SetFrequency(hz float64) error {
	g.frequency = hz
	return g.write("SOUR1:FREQ %s", formatFloat(hz))
}

// Power returns the cached output level in volts.
func (g *Generator) Power() float64 { return g.power }

// QueryPower reads the output level in volts from the instrument.
func (g *Generator) QueryPower() (float64, error) {
	return g.queryFloat("SOUR1:POW?")
}

// SetPower sets the output level in volts.
func (g *Generator) SetPower(volts float64) error {
	g.power = volts
	return g.write("SOUR1:POW %s", formatFloat(volts))
}

// PowerLimit returns the cached level limit in volts.
func (g *Generator) PowerLimit() float64 { return g.powerLimit }

// QueryPowerLimit reads the level limit in volts from the instrument.
func (g *Generator) QueryPowerLimit() (float64, error) {
	return g.queryFloat("SOUR1:POW:LIM?")
}

// SetPowerLimit sets the level limit in volts.
func (g *Generator) SetPowerLimit(volts float64) error {
	g.powerLimit = volts
	return g.write("SOUR1:POW:LIM %s", formatFloat(volts))
}

// OutputState returns the cached RF output state.
func (g *Generator) OutputState() bool { return g.outputOn }

// QueryOutputState reads the RF output state from the instrument.
func (g *Generator) QueryOutputState() (bool, error) {
	const cmd = "OUTP1:STAT?"
	s, err := g.query(cmd)
	if err != nil {
		return false, err
	}
	on, err := parseState(s)
	if err != nil {
		return false, errors.Wrapf(err, "parsing %q reply", cmd)
	}
	return on, nil
}

// SetOutputState switches the RF output on or off.
func (g *Generator) SetOutputState(on bool) error {
	g.outputOn = on
	return g.write("OUTP1:STAT %d", boolToInt(on))
}

// ToggleOutputState inverts the cached output state and writes it. The
// instrument is not queried first, so the result is wrong if the output was
// switched from the front panel since the last Refresh.
func (g *Generator) ToggleOutputState() error {
	return g.SetOutputState(!g.outputOn)
}

// SweepMode returns the sweep mode last configured through this generator.
func (g *Generator) SweepMode() SweepMode { return g.mode }

// QuerySweepMode reads the frequency and level modes back from the
// instrument and updates the cached sweep mode. A list sweep wins over a
// level sweep.
func (g *Generator) QuerySweepMode() (SweepMode, error) {
	freqMode, err := g.query("SOUR1:FREQ:MODE?")
	if err != nil {
		return g.mode, err
	}
	if strings.EqualFold(freqMode, "LIST") {
		g.mode = ModeList
		return g.mode, nil
	}
	powMode, err := g.query("SOUR1:POW:MODE?")
	if err != nil {
		return g.mode, err
	}
	switch strings.ToUpper(powMode) {
	case "SWE", "SWEEP":
		g.mode = ModePowerSweep
	default:
		g.mode = ModeCW
	}
	return g.mode, nil
}

// SetRemote puts the instrument in remote mode with the front panel keys
// still usable, then refreshes the cache, since parameters may have changed
// while the instrument was local.
func (g *Generator) SetRemote() error {
	if err := g.write("&GTR"); err != nil {
		return err
	}
	return g.Refresh()
}

// SetLocal returns the instrument to local (front panel) control.
func (g *Generator) SetLocal() error {
	return g.write("&GTL")
}

// Refresh re-reads frequency, power, power limit and output state from the
// instrument into the cache. It stops at the first failing query; values
// read before the failure are kept.
func (g *Generator) Refresh() error {
	freq, err := g.QueryFrequency()
	if err != nil {
		return err
	}
	g.frequency = freq
	pow, err := g.QueryPower()
	if err != nil {
		return err
	}
	g.power = pow
	lim, err := g.QueryPowerLimit()
	if err != nil {
		return err
	}
	g.powerLimit = lim
	on, err := g.QueryOutputState()
	if err != nil {
		return err
	}
	g.outputOn = on
	g.log.Debug("refreshed parameters",
		zap.Float64("frequency_hz", g.frequency),
		zap.Float64("power_v", g.power),
		zap.Float64("power_limit_v", g.powerLimit),
		zap.Bool("output", g.outputOn),
	)
	return nil
}

// Identify returns the parsed *IDN? reply.
func (g *Generator) Identify() (Identity, error) {
	s, err := g.query("*IDN?")
	if err != nil {
		return Identity{}, err
	}
	return ParseIdentity(s)
}

// Close hands the instrument back to the front panel, switches the RF output
// off and closes the session. All three steps are attempted even if an
// earlier one fails; the errors are combined.
func (g *Generator) Close() error {
	return multierr.Combine(
		g.SetLocal(),
		g.SetOutputState(false),
		errors.Wrap(g.inst.Close(), "closing session"),
	)
}

// Release hands the instrument back to the front panel and closes the
// session, leaving the RF output and any armed sweep as they are. Both
// steps are attempted.
func (g *Generator) Release() error {
	return multierr.Append(
		g.SetLocal(),
		errors.Wrap(g.inst.Close(), "closing session"),
	)
}

// Identity is the parsed reply to *IDN?.
type Identity struct {
	Manufacturer string
	Model        string
	SerialNumber string
	Firmware     string
}

func (id Identity) String() string {
	return strings.Join([]string{id.Manufacturer, id.Model, id.SerialNumber, id.Firmware}, ",")
}

// ParseIdentity splits an IEEE 488.2 identification string, e.g.
// "Rohde&Schwarz,SMA100B,1419.8888K02/101234,4.70.026.32".
func ParseIdentity(s string) (Identity, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) != 4 {
		return Identity{}, errors.Errorf("malformed identification %q: want 4 fields, got %d", s, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return Identity{
		Manufacturer: fields[0],
		Model:        fields[1],
		SerialNumber: fields[2],
		Firmware:     fields[3],
	}, nil
}

func (g *Generator) write(format string, a ...any) error {
	cmd := format
	if len(a) > 0 {
		cmd = fmt.Sprintf(format, a...)
	}
	g.log.Debug("write", zap.String("cmd", cmd))
	if err := g.inst.Command("%s", cmd); err != nil {
		return errors.Wrapf(err, "writing %q", cmd)
	}
	return nil
}

func (g *Generator) query(cmd string) (string, error) {
	s, err := g.inst.Query(cmd)
	if err != nil {
		return "", errors.Wrapf(err, "querying %q", cmd)
	}
	g.log.Debug("query", zap.String("cmd", cmd), zap.String("reply", s))
	return s, nil
}

func (g *Generator) queryFloat(cmd string) (float64, error) {
	s, err := g.query(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %q reply", cmd)
	}
	return v, nil
}

// parseState accepts the 0/1 reply of OUTP:STAT? as well as ON/OFF.
func parseState(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1", "ON":
		return true, nil
	case "0", "OFF":
		return false, nil
	}
	return false, errors.Errorf("invalid state %q", s)
}

// formatFloat renders v in the shortest form that round-trips, which SCPI
// numeric parsers accept.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
