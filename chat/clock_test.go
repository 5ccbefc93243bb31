package chat

import (
	"testing"
	"time"
)

func TestClock_Stamp(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	readings := []time.Time{base, base.Add(-time.Minute), base.Add(-time.Minute), base.Add(time.Second)}
	c := NewClock(func() time.Time {
		now := readings[0]
		readings = readings[1:]
		return now
	})

	a1 := c.Stamp("alice")
	a2 := c.Stamp("alice")
	b1 := c.Stamp("bob")
	a3 := c.Stamp("alice")

	if !a1.Equal(base) || a1.Location() != time.UTC {
		t.Errorf("First stamp = %v, want %v in UTC", a1, base)
	}
	if !a2.Equal(a1) {
		t.Errorf("Stamp after the clock went back = %v, want %v", a2, a1)
	}
	if !b1.Equal(base.Add(-time.Minute)) {
		t.Errorf("Other sender's stamp = %v, want its own reading", b1)
	}
	if !a3.Equal(base.Add(time.Second)) {
		t.Errorf("Stamp = %v, want %v", a3, base.Add(time.Second))
	}
}
