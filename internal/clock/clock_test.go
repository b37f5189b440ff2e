package clock

import "testing"

func TestTickDeductsAndIncrements(t *testing.T) {
	got, fell := Tick(300_000, 2_000, 10_000)
	if fell {
		t.Fatalf("unexpected flag fall")
	}
	if got != 292_000 {
		t.Fatalf("remaining = %d, want 292000", got)
	}
}

func TestTickFlagFallExactZero(t *testing.T) {
	got, fell := Tick(10_000, 5_000, 10_000)
	if !fell {
		t.Fatalf("expected flag fall when elapsed equals remaining")
	}
	if got != 0 {
		t.Fatalf("remaining = %d, want 0 (no increment on flag fall)", got)
	}
}

func TestTickFlagFallClampsNegative(t *testing.T) {
	got, fell := Tick(1_000, 3_000, 50_000)
	if !fell || got != 0 {
		t.Fatalf("got (%d, %v), want (0, true)", got, fell)
	}
}

func TestTickNegativeElapsedIgnored(t *testing.T) {
	// Clock skew between peers must never grow a clock past
	// remaining+increment.
	got, fell := Tick(5_000, 1_000, -400)
	if fell || got != 6_000 {
		t.Fatalf("got (%d, %v), want (6000, false)", got, fell)
	}
}

func TestParsePresets(t *testing.T) {
	c, err := Parse("blitz")
	if err != nil {
		t.Fatalf("Parse blitz: %v", err)
	}
	if c.InitialMs != 300_000 || c.IncrementMs != 0 {
		t.Fatalf("blitz = %+v", c)
	}
}

func TestParseMinutesPlusIncrement(t *testing.T) {
	c, err := Parse("5+0")
	if err != nil {
		t.Fatalf("Parse 5+0: %v", err)
	}
	if c.InitialMs != 300_000 || c.IncrementMs != 0 {
		t.Fatalf("5+0 = %+v", c)
	}
	c, err = Parse("3+2")
	if err != nil {
		t.Fatalf("Parse 3+2: %v", err)
	}
	if c.InitialMs != 180_000 || c.IncrementMs != 2_000 {
		t.Fatalf("3+2 = %+v", c)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "fast", "0+5", "-3+1", "3+-1", "3"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q) succeeded, want error", s)
		}
	}
}
