package queue_test

import (
	"testing"

	"github.com/snehjoshi/spillq/internal/queue"
)

func TestResidency_String(t *testing.T) {
	cases := []struct {
		r    queue.Residency
		want string
	}{
		{queue.Resident, "resident"},
		{queue.Spilled, "spilled"},
		{queue.Residency(9), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.r.String(); got != tc.want {
			t.Errorf("Residency(%d).String() = %q, want %q", tc.r, got, tc.want)
		}
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to queue.Residency
		want     bool
	}{
		{queue.Resident, queue.Spilled, true},
		{queue.Spilled, queue.Resident, true},
		{queue.Resident, queue.Resident, false},
		{queue.Spilled, queue.Spilled, false},
		{queue.Residency(9), queue.Resident, false},
	}
	for _, tc := range cases {
		if got := queue.ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
