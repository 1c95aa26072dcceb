package social

import (
	"testing"
	"time"
)

func TestEligible(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cooldown := 30 * time.Second

	tests := []struct {
		name string
		last time.Time
		now  time.Time
		want bool
	}{
		{"never engaged", time.Time{}, base, true},
		{"inside cooldown", base, base.Add(10 * time.Second), false},
		{"exactly at boundary", base, base.Add(30 * time.Second), true},
		{"past cooldown", base, base.Add(35 * time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Eligible(tt.last, cooldown, tt.now); got != tt.want {
				t.Errorf("Eligible(%v, %v, %v) = %v, want %v", tt.last, cooldown, tt.now, got, tt.want)
			}
		})
	}
}

func TestEligibleZeroCooldown(t *testing.T) {
	now := time.Now()
	if !Eligible(now, 0, now) {
		t.Error("zero cooldown should never gate")
	}
}
