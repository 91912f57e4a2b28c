package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBanRecord_ActiveAndRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(90 * time.Minute)
	earlier := now.Add(-time.Minute)

	tests := []struct {
		name      string
		rec       *BanRecord
		active    bool
		remaining time.Duration
	}{
		{"nil", nil, false, 0},
		{"permanent", &BanRecord{IsPermanent: true}, true, -1},
		{"running", &BanRecord{ExpiresAt: &later}, true, 90 * time.Minute},
		{"expired", &BanRecord{ExpiresAt: &earlier}, false, 0},
		{"no expiry", &BanRecord{}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.active, tt.rec.ActiveAt(now))
			assert.Equal(t, tt.remaining, tt.rec.RemainingAt(now))
		})
	}
}
