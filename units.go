// Copyright (c) 2022–2024 The rsgen developers. All rights reserved.
// Project site: https://github.com/gotmc/rsgen
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package rsgen

import "math"

// ReferenceImpedance is the load, in ohms, the volt/dBm conversions assume.
const ReferenceImpedance = 50.0

// VoltsToDBm converts an RMS voltage across the reference impedance to a
// power level in dBm, i.e. 10*log10(V²·1000/50).
func VoltsToDBm(volts float64) float64 {
	return 10 * math.Log10(volts*volts*1000/ReferenceImpedance)
}

// DBmToVolts is the inverse of VoltsToDBm.
func DBmToVolts(dbm float64) float64 {
	return math.Sqrt(math.Pow(10, dbm/10) * ReferenceImpedance / 1000)
}

// SecondsToMicroseconds converts seconds to microseconds, rounded to the
// nearest nanosecond so that 0.003 s becomes 3000 µs and not 2999.9999.
func SecondsToMicroseconds(s float64) float64 {
	return math.Round(s*1e9) / 1e3
}
