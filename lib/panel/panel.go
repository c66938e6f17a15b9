// Package panel is an interactive terminal front panel for a generator.
package panel

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gotmc/rsgen"
)

// --- STYLES ---
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#575B7E")).
			Padding(0, 1)

	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))

	keyStyle   = lipgloss.NewStyle().Bold(true).Width(12)
	valueStyle = lipgloss.NewStyle().Width(18).Align(lipgloss.Right)
	rfOnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("202")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const helpText = "freq <hz> | pow <v|mV|dBm> | lim <v> | out on|off|toggle | refresh | start | stop | local | remote | q"

// Generator is what the panel shows and controls; *rsgen.Generator
// implements it.
type Generator interface {
	Frequency() float64
	Power() float64
	PowerLimit() float64
	OutputState() bool
	SweepMode() rsgen.SweepMode
	SetFrequency(hz float64) error
	SetPower(volts float64) error
	SetPowerLimit(volts float64) error
	SetOutputState(on bool) error
	ToggleOutputState() error
	Refresh() error
	StartSweep() error
	StopSweep() error
	SetLocal() error
	SetRemote() error
}

// --- MODEL ---
type tickMsg time.Time

// Model is the bubbletea model of the panel. All instrument I/O happens in
// Update, so the generator is only used from one goroutine.
type Model struct {
	gen       Generator
	log       *zap.Logger
	textInput textinput.Model
	viewport  viewport.Model
	ready     bool
	status    string
	failed    bool
	history   []string
	interval  time.Duration
	quitting  bool
}

// Option configures a Model.
type Option func(*Model)

// WithLogger logs every panel command at info level.
func WithLogger(log *zap.Logger) Option { return func(m *Model) { m.log = log } }

// WithRefreshInterval re-reads the instrument periodically so front panel
// changes show up. Zero disables it.
func WithRefreshInterval(d time.Duration) Option { return func(m *Model) { m.interval = d } }

// NewModel returns a panel for g.
func NewModel(g Generator, opts ...Option) Model {
	ti := textinput.New()
	ti.Placeholder = "freq 1.5GHz | pow 0.2 | out toggle"
	ti.Prompt = "> "
	ti.Focus()
	m := Model{
		gen:       g,
		log:       zap.NewNop(),
		textInput: ti,
		status:    "ready",
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Run shows the panel until the user quits.
func Run(g Generator, opts ...Option) error {
	_, err := tea.NewProgram(NewModel(g, opts...), tea.WithAltScreen()).Run()
	return err
}

func (m Model) tick() tea.Cmd {
	if m.interval <= 0 {
		return nil
	}
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.tick())
}

// --- UPDATE ---
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			m.handleCommand()
			if m.quitting {
				return m, tea.Quit
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		paneHeight := 9
		footerHeight := 4
		if !m.ready {
			m.viewport = viewport.New(msg.Width, max(msg.Height-paneHeight-footerHeight, 3))
			m.viewport.Style = baseStyle
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = max(msg.Height-paneHeight-footerHeight, 3)
		}
		m.viewport.SetContent(strings.Join(m.history, "\n"))

	case tickMsg:
		if err := m.gen.Refresh(); err != nil {
			m.setStatus(err)
		}
		return m, m.tick()
	}

	m.textInput, cmd = m.textInput.Update(msg)
	cmds = append(cmds, cmd)
	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) handleCommand() {
	input := strings.TrimSpace(m.textInput.Value())
	m.textInput.SetValue("")
	if input == "" {
		return
	}
	m.log.Info("panel command", zap.String("input", input))
	m.history = append(m.history, "> "+input)
	err := m.execute(strings.Fields(input))
	if err != nil {
		m.history = append(m.history, errStyle.Render("  "+err.Error()))
	}
	m.setStatus(err)
	if m.ready {
		m.viewport.SetContent(strings.Join(m.history, "\n"))
		m.viewport.GotoBottom()
	}
}

func (m *Model) setStatus(err error) {
	m.failed = err != nil
	if err != nil {
		m.status = err.Error()
		return
	}
	m.status = "ok"
}

func (m *Model) execute(parts []string) error {
	command := strings.ToLower(parts[0])
	arg := func() (string, error) {
		if len(parts) < 2 {
			return "", errors.Errorf("'%s' requires a value", command)
		}
		return strings.Join(parts[1:], ""), nil
	}
	switch command {
	case "freq", "f":
		s, err := arg()
		if err != nil {
			return err
		}
		hz, err := ParseFrequency(s)
		if err != nil {
			return err
		}
		return m.gen.SetFrequency(hz)
	case "pow", "p", "lim", "l":
		s, err := arg()
		if err != nil {
			return err
		}
		v, err := ParseLevel(s)
		if err != nil {
			return err
		}
		if command[0] == 'l' {
			return m.gen.SetPowerLimit(v)
		}
		return m.gen.SetPower(v)
	case "out", "o":
		s, err := arg()
		if err != nil {
			return err
		}
		switch strings.ToLower(s) {
		case "on", "1":
			return m.gen.SetOutputState(true)
		case "off", "0":
			return m.gen.SetOutputState(false)
		case "toggle", "t":
			return m.gen.ToggleOutputState()
		}
		return errors.Errorf("'out' takes on, off or toggle, not %q", s)
	case "refresh", "r":
		return m.gen.Refresh()
	case "start":
		return m.gen.StartSweep()
	case "stop":
		return m.gen.StopSweep()
	case "local":
		return m.gen.SetLocal()
	case "remote":
		return m.gen.SetRemote()
	case "q", "quit", "exit":
		m.quitting = true
		return nil
	case "help", "?":
		m.history = append(m.history, helpStyle.Render(helpText))
		return nil
	}
	return errors.Errorf("unknown command '%s'", command)
}

// --- VIEW ---
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	rf := "OFF"
	if m.gen.OutputState() {
		rf = rfOnStyle.Render(" RF ON ")
	}
	row := func(k, v string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, keyStyle.Render(k), valueStyle.Render(v))
	}
	pane := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Signal Generator"),
		row("Frequency", FormatFrequency(m.gen.Frequency())),
		row("Level", fmt.Sprintf("%.4g V (%.2f dBm)", m.gen.Power(), rsgen.VoltsToDBm(m.gen.Power()))),
		row("Limit", fmt.Sprintf("%.4g V", m.gen.PowerLimit())),
		row("Output", rf),
		row("Mode", m.gen.SweepMode().String()),
	)
	status := m.status
	if m.failed {
		status = errStyle.Render(status)
	}
	parts := []string{baseStyle.Render(pane)}
	if m.ready {
		parts = append(parts, m.viewport.View())
	}
	parts = append(parts,
		"Status: "+status,
		m.textInput.View(),
		helpStyle.Render(helpText),
	)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

var freqSuffixes = []struct {
	suffix string
	scale  float64
}{
	{"ghz", 1e9}, {"mhz", 1e6}, {"khz", 1e3}, {"hz", 1},
	{"g", 1e9}, {"m", 1e6}, {"k", 1e3},
}

// ParseFrequency reads "1.5e9", "1.5GHz", "100 MHz" or "10k" as Hz.
func ParseFrequency(s string) (float64, error) {
	t := strings.ToLower(strings.ReplaceAll(s, " ", ""))
	scale := 1.0
	for _, u := range freqSuffixes {
		if strings.HasSuffix(t, u.suffix) {
			t = strings.TrimSuffix(t, u.suffix)
			scale = u.scale
			break
		}
	}
	v, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, errors.Errorf("bad frequency %q", s)
	}
	return v * scale, nil
}

// ParseLevel reads a level in volts ("0.2", "0.2V", "200mV") or dBm
// ("-10dBm") and returns volts.
func ParseLevel(s string) (float64, error) {
	t := strings.ToLower(strings.ReplaceAll(s, " ", ""))
	convert := func(v float64) float64 { return v }
	switch {
	case strings.HasSuffix(t, "dbm"):
		t = strings.TrimSuffix(t, "dbm")
		convert = rsgen.DBmToVolts
	case strings.HasSuffix(t, "mv"):
		t = strings.TrimSuffix(t, "mv")
		convert = func(v float64) float64 { return v / 1e3 }
	case strings.HasSuffix(t, "v"):
		t = strings.TrimSuffix(t, "v")
	}
	v, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, errors.Errorf("bad level %q", s)
	}
	return convert(v), nil
}

// FormatFrequency renders hz with an engineering unit.
func FormatFrequency(hz float64) string {
	switch {
	case hz >= 1e9:
		return strconv.FormatFloat(hz/1e9, 'f', -1, 64) + " GHz"
	case hz >= 1e6:
		return strconv.FormatFloat(hz/1e6, 'f', -1, 64) + " MHz"
	case hz >= 1e3:
		return strconv.FormatFloat(hz/1e3, 'f', -1, 64) + " kHz"
	}
	return strconv.FormatFloat(hz, 'f', -1, 64) + " Hz"
}
