package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDuration(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{5, 160 * time.Second},
		{6, 300 * time.Second},
		// Shift caps; the backoff never exceeds five minutes.
		{7, 300 * time.Second},
		{50, 300 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDuration(tt.attempt), "attempt %d", tt.attempt)
	}
}
