package simulator

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// longForms maps SCPI long mnemonics to the short forms used as keys.
var longForms = map[string]string{
	"SOURCE":    "SOUR",
	"FREQUENCY": "FREQ",
	"POWER":     "POW",
	"LIMIT":     "LIM",
	"OUTPUT":    "OUTP",
	"STATE":     "STAT",
	"SELECT":    "SEL",
	"DWELL":     "DWEL",
	"START":     "STAR",
	"SWEEP":     "SWE",
	"TRIGGER":   "TRIG",
	"PSWEEP":    "PSW",
	"EXECUTE":   "EXEC",
	"POINTS":    "POIN",
	"SYSTEM":    "SYST",
	"ERROR":     "ERR",
}

// roots that are not implicitly prefixed with SOURce.
var roots = map[string]bool{
	"SOUR": true,
	"OUTP": true,
	"TRIG": true,
	"UNIT": true,
	"SYST": true,
}

// splitCommand separates the header from its argument and normalizes the
// header: upper case, short mnemonics, numeric suffixes dropped, leading
// colon removed and the optional SOURce root filled in. "*IDN?" and "&GTL"
// style headers pass through upper cased.
func splitCommand(line string) (header, arg string) {
	header, arg, _ = strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	header = strings.ToUpper(strings.TrimPrefix(header, ":"))
	if strings.HasPrefix(header, "*") || strings.HasPrefix(header, "&") {
		return header, arg
	}
	query := strings.HasSuffix(header, "?")
	header = strings.TrimSuffix(header, "?")
	nodes := strings.Split(header, ":")
	for i, n := range nodes {
		n = strings.TrimRightFunc(n, unicode.IsDigit)
		if short, ok := longForms[n]; ok {
			n = short
		}
		nodes[i] = n
	}
	if !roots[nodes[0]] {
		nodes = append([]string{"SOUR"}, nodes...)
	}
	header = strings.Join(nodes, ":")
	if query {
		header += "?"
	}
	return header, arg
}

var (
	freqUnits = map[string]float64{
		"":    1,
		"HZ":  1,
		"KHZ": 1e3,
		"MHZ": 1e6,
		"GHZ": 1e9,
	}
	timeUnits = map[string]float64{
		"":   1,
		"S":  1,
		"MS": 1e-3,
		"US": 1e-6,
		"NS": 1e-9,
	}
	// list levels are stored in dBm; R&S list files do not take volts.
	levelUnits = map[string]float64{
		"":    1,
		"DBM": 1,
	}
)

// splitUnit splits "1e+09Hz" into "1e+09" and "HZ".
func splitUnit(s string) (num, unit string) {
	s = strings.TrimSpace(s)
	i := len(s)
	for i > 0 && unicode.IsLetter(rune(s[i-1])) {
		i--
	}
	return strings.TrimSpace(s[:i]), strings.ToUpper(s[i:])
}

// parseValue parses a number with an optional unit suffix and scales it to
// the base unit.
func parseValue(s string, units map[string]float64) (float64, error) {
	num, unit := splitUnit(s)
	scale, ok := units[unit]
	if !ok {
		return 0, errors.Errorf("unknown unit %q", unit)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}
	return v * scale, nil
}

func parseList(s string, units map[string]float64) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("empty list")
	}
	items := strings.Split(s, ",")
	vs := make([]float64, 0, len(items))
	for _, item := range items {
		v, err := parseValue(item, units)
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	return vs, nil
}
