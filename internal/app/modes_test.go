package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOpenDates(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want []string
	}{
		{
			name: "yesterday still open",
			now:  time.Date(2026, 10, 14, 0, 30, 0, 0, time.UTC),
			want: []string{"2026-10-13", "2026-10-14"},
		},
		{
			name: "yesterday final",
			now:  time.Date(2026, 10, 14, 1, 0, 0, 0, time.UTC),
			want: []string{"2026-10-14"},
		},
		{
			name: "non-utc clock",
			now:  time.Date(2026, 10, 14, 2, 30, 0, 0, time.FixedZone("CEST", 2*3600)),
			want: []string{"2026-10-13", "2026-10-14"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, openDates(tt.now, time.Hour))
		})
	}
}
