// Package telemetry describes the radar reading carried on each broadcast line.
package telemetry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned by Parse for lines that are not "<angle>,<distance>".
var ErrMalformed = errors.New("telemetry: malformed reading")

// Reading is one angle/distance sample from the radar.
type Reading struct {
	Angle    int
	Distance int
}

// String formats the reading the way it travels on the wire, without the newline.
func (r Reading) String() string {
	return strconv.Itoa(r.Angle) + "," + strconv.Itoa(r.Distance)
}

// Clean strips every terminator, carriage return and line feed left in a
// device line, then trims surrounding whitespace. The result is what gets
// broadcast, so it never spans more than one wire line.
func Clean(line string, terminator byte) string {
	r := strings.NewReplacer(string(terminator), "", "\r", "", "\n", "")
	return strings.TrimSpace(r.Replace(line))
}

// Parse decodes "<angle>,<distance>" where both fields are non-negative integers.
func Parse(line string) (Reading, error) {
	angle, distance, ok := strings.Cut(strings.TrimSpace(line), ",")
	if !ok {
		return Reading{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}

	a, err := parseField(angle)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: angle %q", ErrMalformed, angle)
	}
	d, err := parseField(distance)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: distance %q", ErrMalformed, distance)
	}
	return Reading{Angle: a, Distance: d}, nil
}

func parseField(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("negative")
	}
	return v, nil
}
