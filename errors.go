// Copyright (c) 2022–2024 The rsgen developers. All rights reserved.
// Project site: https://github.com/gotmc/rsgen
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package rsgen

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoSweep is returned by StartSweep when no list or power sweep has been
// configured.
var ErrNoSweep = errors.New("no sweep configured")

// RangeError reports a sweep parameter outside the instrument's documented
// range. It is returned before anything is written to the instrument.
type RangeError struct {
	Param string
	Value float64
	Min   float64
	Max   float64
	Unit  string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %g %s out of range [%g, %g] %s",
		e.Param, e.Value, e.Unit, e.Min, e.Max, e.Unit)
}

// checkRange returns a *RangeError unless min <= v <= max. NaN is always out
// of range.
func checkRange(param string, v, min, max float64, unit string) error {
	if v >= min && v <= max {
		return nil
	}
	return &RangeError{Param: param, Value: v, Min: min, Max: max, Unit: unit}
}
