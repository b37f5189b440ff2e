// Package clock implements the chess clock arithmetic: per-side
// remaining time in milliseconds, increment after a completed move,
// and flag-fall detection.
package clock

import (
	"fmt"
	"strconv"
	"strings"
)

// Control is a time control: initial allotment per side plus an
// increment added after every completed move.
type Control struct {
	Name        string `json:"name"`
	InitialMs   int64  `json:"initial_ms"`
	IncrementMs int64  `json:"increment_ms"`
}

// Named presets accepted by Parse in addition to the "M+S" form.
var presets = map[string]Control{
	"bullet":    {Name: "bullet", InitialMs: 60_000, IncrementMs: 0},
	"blitz":     {Name: "blitz", InitialMs: 300_000, IncrementMs: 0},
	"rapid":     {Name: "rapid", InitialMs: 600_000, IncrementMs: 5_000},
	"classical": {Name: "classical", InitialMs: 1_800_000, IncrementMs: 0},
}

// Parse resolves a named preset or a "minutes+incrementSeconds" string
// such as "5+0" or "3+2".
func Parse(s string) (Control, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return Control{}, fmt.Errorf("empty time control")
	}
	if c, ok := presets[v]; ok {
		return c, nil
	}
	parts := strings.SplitN(v, "+", 2)
	if len(parts) != 2 {
		return Control{}, fmt.Errorf("unknown time control %q", s)
	}
	mins, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || mins <= 0 {
		return Control{}, fmt.Errorf("invalid minutes in time control %q", s)
	}
	incSec, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || incSec < 0 {
		return Control{}, fmt.Errorf("invalid increment in time control %q", s)
	}
	return Control{
		Name:        v,
		InitialMs:   int64(mins) * 60_000,
		IncrementMs: int64(incSec) * 1_000,
	}, nil
}

// Tick charges elapsedMs against the moving side's remaining time.
// Reaching or crossing zero is a flag fall: remaining clamps to zero
// and no increment is applied. Otherwise the increment is added after
// the deduction.
//
// The first move of a game is exempt from deduction; callers express
// that by passing elapsedMs 0 for ply zero. The clock starts counting
// from the first move's completion, not from seat fill.
func Tick(remainingMs, incrementMs, elapsedMs int64) (int64, bool) {
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	left := remainingMs - elapsedMs
	if left <= 0 {
		return 0, true
	}
	return left + incrementMs, false
}
