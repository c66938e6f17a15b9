// Copyright (c) 2022–2024 The rsgen developers. All rights reserved.
// Project site: https://github.com/gotmc/rsgen
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package rsgen

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	c "github.com/smartystreets/goconvey/convey"
	"go.uber.org/multierr"

	"github.com/gotmc/rsgen/lib/simulator"
)

// scripted replies to queries from a fixed table and records commands.
type scripted struct {
	replies map[string]string
	sent    []string
}

func (s *scripted) Command(format string, a ...any) error {
	cmd := format
	if len(a) > 0 {
		cmd = fmt.Sprintf(format, a...)
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *scripted) Query(cmd string) (string, error) {
	s.sent = append(s.sent, cmd)
	r, ok := s.replies[cmd]
	if !ok {
		return "", errors.Errorf("no reply for %q", cmd)
	}
	return r, nil
}

func (s *scripted) Close() error { return nil }

func newTestGenerator(t *testing.T) (*Generator, *simulator.Instrument) {
	t.Helper()
	sim := simulator.New(simulator.Strict())
	g, err := NewGenerator(sim)
	if err != nil {
		t.Fatalf("NewGenerator: %s", err)
	}
	sim.ClearHistory()
	return g, sim
}

func TestNewGenerator(t *testing.T) {
	c.Convey("Given a simulated generator at 1 GHz, 0.1 V, 1 V limit, RF off", t, func() {
		sim := simulator.New(simulator.Strict())
		c.Convey("When a Generator is created", func() {
			g, err := NewGenerator(sim)
			c.So(err, c.ShouldBeNil)
			c.Convey("Then the power unit is set to volts before entering remote mode", func() {
				want := []string{
					"UNIT:POW V",
					"&GTR",
					"SOUR1:FREQ?",
					"SOUR1:POW?",
					"SOUR1:POW:LIM?",
					"OUTP1:STAT?",
				}
				c.So(cmp.Diff(want, sim.History()), c.ShouldBeEmpty)
				c.So(sim.State().Remote, c.ShouldBeTrue)
			})
			c.Convey("Then the cache holds the instrument values", func() {
				c.So(g.Frequency(), c.ShouldEqual, 1e9)
				c.So(g.Power(), c.ShouldEqual, 0.1)
				c.So(g.PowerLimit(), c.ShouldEqual, 1.0)
				c.So(g.OutputState(), c.ShouldBeFalse)
				c.So(g.SweepMode(), c.ShouldEqual, ModeCW)
			})
		})
		c.Convey("When a Generator is created without remote mode", func() {
			g, err := NewGenerator(sim, WithoutRemote())
			c.So(err, c.ShouldBeNil)
			c.Convey("Then only the power unit is written", func() {
				c.So(sim.History(), c.ShouldResemble, []string{"UNIT:POW V"})
				c.So(g.Frequency(), c.ShouldEqual, 0)
			})
		})
		c.Convey("When the frequency range is inverted", func() {
			_, err := NewGenerator(sim, WithFrequencyRange(6e9, 1e6))
			c.Convey("Then construction fails before anything is written", func() {
				c.So(err, c.ShouldNotBeNil)
				c.So(sim.History(), c.ShouldBeEmpty)
			})
		})
	})
}

func TestSettersUseTheCache(t *testing.T) {
	c.Convey("Given a connected generator", t, func() {
		g, sim := newTestGenerator(t)
		c.Convey("When frequency, power and limit are set", func() {
			c.So(g.SetFrequency(2.5e9), c.ShouldBeNil)
			c.So(g.SetPower(0.25), c.ShouldBeNil)
			c.So(g.SetPowerLimit(0.5), c.ShouldBeNil)
			sent := sim.History()
			c.Convey("Then exactly one command per setter reaches the instrument", func() {
				want := []string{
					"SOUR1:FREQ 2.5e+09",
					"SOUR1:POW 0.25",
					"SOUR1:POW:LIM 0.5",
				}
				c.So(cmp.Diff(want, sent), c.ShouldBeEmpty)
			})
			c.Convey("Then the getters return the set values without a round-trip", func() {
				c.So(g.Frequency(), c.ShouldEqual, 2.5e9)
				c.So(g.Power(), c.ShouldEqual, 0.25)
				c.So(g.PowerLimit(), c.ShouldEqual, 0.5)
				c.So(sim.History(), c.ShouldHaveLength, len(sent))
			})
			c.Convey("Then the instrument holds the same values", func() {
				st := sim.State()
				c.So(st.Frequency, c.ShouldEqual, 2.5e9)
				c.So(st.Power, c.ShouldEqual, 0.25)
				c.So(st.PowerLimit, c.ShouldEqual, 0.5)
			})
		})
		c.Convey("When a write fails", func() {
			boom := errors.New("link down")
			sim.Fail("SOUR:FREQ", boom)
			err := g.SetFrequency(3e9)
			c.Convey("Then the transport error is returned unmodified underneath", func() {
				c.So(errors.Cause(err), c.ShouldEqual, boom)
				c.So(err.Error(), c.ShouldContainSubstring, "SOUR1:FREQ 3e+09")
			})
			c.Convey("Then the cache was still updated", func() {
				c.So(g.Frequency(), c.ShouldEqual, 3e9)
			})
		})
	})
}

func TestQueries(t *testing.T) {
	c.Convey("Given a connected generator", t, func() {
		g, sim := newTestGenerator(t)
		sim.SetFrontPanel(func(st *simulator.State) {
			st.Frequency = 123e6
			st.Power = 0.2
			st.PowerLimit = 0.7
			st.Output = true
		})
		c.Convey("When the instrument is queried directly", func() {
			f, err := g.QueryFrequency()
			c.So(err, c.ShouldBeNil)
			p, err := g.QueryPower()
			c.So(err, c.ShouldBeNil)
			l, err := g.QueryPowerLimit()
			c.So(err, c.ShouldBeNil)
			on, err := g.QueryOutputState()
			c.So(err, c.ShouldBeNil)
			c.Convey("Then the front panel values are returned", func() {
				c.So(f, c.ShouldEqual, 123e6)
				c.So(p, c.ShouldEqual, 0.2)
				c.So(l, c.ShouldEqual, 0.7)
				c.So(on, c.ShouldBeTrue)
			})
			c.Convey("Then the cache is left alone", func() {
				c.So(g.Frequency(), c.ShouldEqual, 1e9)
				c.So(g.OutputState(), c.ShouldBeFalse)
			})
		})
		c.Convey("When the cache is refreshed", func() {
			c.So(g.Refresh(), c.ShouldBeNil)
			c.Convey("Then all four parameters are updated", func() {
				c.So(g.Frequency(), c.ShouldEqual, 123e6)
				c.So(g.Power(), c.ShouldEqual, 0.2)
				c.So(g.PowerLimit(), c.ShouldEqual, 0.7)
				c.So(g.OutputState(), c.ShouldBeTrue)
			})
		})
		c.Convey("When the instrument is returned to local and taken back", func() {
			c.So(g.SetLocal(), c.ShouldBeNil)
			c.So(sim.State().Remote, c.ShouldBeFalse)
			c.So(g.SetRemote(), c.ShouldBeNil)
			c.Convey("Then taking it back refreshes the cache", func() {
				c.So(sim.State().Remote, c.ShouldBeTrue)
				c.So(g.Frequency(), c.ShouldEqual, 123e6)
			})
		})
	})
}

func TestMalformedReplies(t *testing.T) {
	testCases := []struct {
		name  string
		reply string
		query func(*Generator) error
	}{
		{"frequency", "abc", func(g *Generator) error { _, err := g.QueryFrequency(); return err }},
		{"power", "", func(g *Generator) error { _, err := g.QueryPower(); return err }},
		{"power limit", "1,2", func(g *Generator) error { _, err := g.QueryPowerLimit(); return err }},
		{"output state", "2", func(g *Generator) error { _, err := g.QueryOutputState(); return err }},
		{"identity", "Rohde&Schwarz,SMA100B", func(g *Generator) error { _, err := g.Identify(); return err }},
	}
	replies := map[string]string{}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inst := &scripted{replies: replies}
			for _, q := range []string{"SOUR1:FREQ?", "SOUR1:POW?", "SOUR1:POW:LIM?", "OUTP1:STAT?", "*IDN?"} {
				replies[q] = tc.reply
			}
			g, err := NewGenerator(inst, WithoutRemote())
			if err != nil {
				t.Fatal(err)
			}
			if err := tc.query(g); err == nil {
				t.Errorf("expected a parse error for reply %q", tc.reply)
			}
		})
	}
}

func TestOutputState(t *testing.T) {
	c.Convey("Given a connected generator with the RF output off", t, func() {
		g, sim := newTestGenerator(t)
		c.Convey("When the output is toggled twice", func() {
			c.So(g.ToggleOutputState(), c.ShouldBeNil)
			first := g.OutputState()
			c.So(g.ToggleOutputState(), c.ShouldBeNil)
			c.Convey("Then each toggle inverts the cached state exactly once", func() {
				c.So(first, c.ShouldBeTrue)
				c.So(g.OutputState(), c.ShouldBeFalse)
				c.So(sim.History(), c.ShouldResemble, []string{"OUTP1:STAT 1", "OUTP1:STAT 0"})
			})
		})
		c.Convey("When the output was switched on from the front panel", func() {
			sim.SetFrontPanel(func(st *simulator.State) { st.Output = true })
			c.So(g.ToggleOutputState(), c.ShouldBeNil)
			c.Convey("Then the toggle works from the stale cache without asking", func() {
				c.So(sim.History(), c.ShouldResemble, []string{"OUTP1:STAT 1"})
				c.So(g.OutputState(), c.ShouldBeTrue)
			})
		})
		c.Convey("When the output is set explicitly", func() {
			c.So(g.SetOutputState(true), c.ShouldBeNil)
			c.Convey("Then the instrument output follows", func() {
				c.So(sim.State().Output, c.ShouldBeTrue)
			})
		})
	})
}

func TestClose(t *testing.T) {
	c.Convey("Given a connected generator with the RF output on", t, func() {
		g, sim := newTestGenerator(t)
		c.So(g.SetOutputState(true), c.ShouldBeNil)
		sim.ClearHistory()
		c.Convey("When it is closed", func() {
			err := g.Close()
			c.Convey("Then local mode, output off and session close happen in order", func() {
				c.So(err, c.ShouldBeNil)
				c.So(sim.History(), c.ShouldResemble, []string{"&GTL", "OUTP1:STAT 0"})
				c.So(sim.Closed(), c.ShouldBeTrue)
				c.So(sim.State().Output, c.ShouldBeFalse)
			})
		})
		c.Convey("When going to local fails", func() {
			boom := errors.New("gtl refused")
			sim.Fail("&GTL", boom)
			err := g.Close()
			c.Convey("Then the output is still switched off and the session closed", func() {
				c.So(multierr.Errors(err), c.ShouldHaveLength, 1)
				c.So(errors.Cause(multierr.Errors(err)[0]), c.ShouldEqual, boom)
				c.So(sim.State().Output, c.ShouldBeFalse)
				c.So(sim.Closed(), c.ShouldBeTrue)
			})
		})
		c.Convey("When every step fails", func() {
			sim.Fail("&GTL", errors.New("gtl"))
			sim.Fail("OUTP:STAT", errors.New("outp"))
			sim.Fail(simulator.CloseHeader, errors.New("close"))
			err := g.Close()
			c.Convey("Then all three errors are reported", func() {
				c.So(multierr.Errors(err), c.ShouldHaveLength, 3)
				c.So(sim.History(), c.ShouldResemble, []string{"&GTL", "OUTP1:STAT 0"})
			})
		})
	})
}

func TestRelease(t *testing.T) {
	c.Convey("Given a connected generator with the RF output on", t, func() {
		g, sim := newTestGenerator(t)
		c.So(g.SetOutputState(true), c.ShouldBeNil)
		sim.ClearHistory()
		c.Convey("When it is released", func() {
			err := g.Release()
			c.Convey("Then only local mode is sent and the output stays on", func() {
				c.So(err, c.ShouldBeNil)
				c.So(sim.History(), c.ShouldResemble, []string{"&GTL"})
				c.So(sim.State().Output, c.ShouldBeTrue)
				c.So(sim.Closed(), c.ShouldBeTrue)
			})
		})
		c.Convey("When going to local fails", func() {
			sim.Fail("&GTL", errors.New("gtl refused"))
			err := g.Release()
			c.Convey("Then the session is closed anyway", func() {
				c.So(err, c.ShouldNotBeNil)
				c.So(sim.Closed(), c.ShouldBeTrue)
			})
		})
	})
}

func TestParseIdentity(t *testing.T) {
	testCases := []struct {
		given    string
		expected Identity
	}{
		{
			"Rohde&Schwarz,SMA100B,1419.8888K02/101234,4.70.026.32\n",
			Identity{"Rohde&Schwarz", "SMA100B", "1419.8888K02/101234", "4.70.026.32"},
		},
		{
			"Rohde&Schwarz, SMB100A, 1406.6000k03/180453, 3.1.19.15-3.50.124.73",
			Identity{"Rohde&Schwarz", "SMB100A", "1406.6000k03/180453", "3.1.19.15-3.50.124.73"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.expected.Model, func(t *testing.T) {
			got, err := ParseIdentity(tc.given)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Errorf("identity mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIdentify(t *testing.T) {
	g, sim := newTestGenerator(t)
	id, err := g.Identify()
	if err != nil {
		t.Fatal(err)
	}
	if id.String() != simulator.DefaultIdentity {
		t.Errorf("Expected %q, got %q", simulator.DefaultIdentity, id)
	}
	if h := sim.History(); len(h) != 1 || h[0] != "*IDN?" {
		t.Errorf("Expected a single *IDN? query, got %v", h)
	}
}
