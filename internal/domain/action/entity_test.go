package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to running", StatusPending, StatusRunning, true},
		{"pending to finished", StatusPending, StatusFinished, true},
		{"pending to error", StatusPending, StatusError, true},
		{"pending to canceled", StatusPending, StatusCanceled, true},
		{"pending to canceling", StatusPending, StatusCanceling, true},

		{"wait to running", StatusWaitForConfirmation, StatusRunning, true},
		{"wait to canceled", StatusWaitForConfirmation, StatusCanceled, true},
		{"wait to finished", StatusWaitForConfirmation, StatusFinished, false},

		{"running to finished", StatusRunning, StatusFinished, true},
		{"running to error", StatusRunning, StatusError, true},
		{"running to canceling", StatusRunning, StatusCanceling, true},
		{"running to pending", StatusRunning, StatusPending, false},
		{"running to canceled directly", StatusRunning, StatusCanceled, false},

		// A device may complete or fail while cancellation is in flight.
		{"canceling to canceled", StatusCanceling, StatusCanceled, true},
		{"canceling to finished", StatusCanceling, StatusFinished, true},
		{"canceling to error", StatusCanceling, StatusError, true},

		// Terminal states never move.
		{"finished to running", StatusFinished, StatusRunning, false},
		{"error to running", StatusError, StatusRunning, false},
		{"canceled to pending", StatusCanceled, StatusPending, false},

		// Same state is not a transition.
		{"running to running", StatusRunning, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StatusFinished))
	assert.True(t, IsTerminal(StatusError))
	assert.True(t, IsTerminal(StatusCanceled))

	assert.False(t, IsTerminal(StatusPending))
	assert.False(t, IsTerminal(StatusRunning))
	assert.False(t, IsTerminal(StatusCanceling))
	assert.False(t, IsTerminal(StatusWaitForConfirmation))
}

func TestIsOpen(t *testing.T) {
	assert.True(t, IsOpen(StatusPending))
	assert.True(t, IsOpen(StatusRunning))
	assert.True(t, IsOpen(StatusWaitForConfirmation))

	// Canceling no longer counts as open; the assignment is on its way
	// out and must not block a new one.
	assert.False(t, IsOpen(StatusCanceling))
	assert.False(t, IsOpen(StatusFinished))
	assert.False(t, IsOpen(StatusError))
	assert.False(t, IsOpen(StatusCanceled))
}

func TestEffectivelyForced(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name   string
		typ    Type
		forced *time.Time
		want   bool
	}{
		{"forced", TypeForced, nil, true},
		{"soft", TypeSoft, nil, false},
		{"downloadonly", TypeDownloadOnly, nil, false},
		{"timeforced before deadline", TypeTimeForced, &future, false},
		{"timeforced after deadline", TypeTimeForced, &past, true},
		{"timeforced at deadline", TypeTimeForced, &now, true},
		{"timeforced without deadline", TypeTimeForced, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Action{Type: tt.typ, ForcedTime: tt.forced}
			assert.Equal(t, tt.want, a.EffectivelyForced(now))
		})
	}
}

func TestValidType(t *testing.T) {
	assert.True(t, ValidType(TypeForced))
	assert.True(t, ValidType(TypeSoft))
	assert.True(t, ValidType(TypeDownloadOnly))
	assert.True(t, ValidType(TypeTimeForced))
	assert.False(t, ValidType(Type("hard")))
	assert.False(t, ValidType(Type("")))
}

func TestParseStatus(t *testing.T) {
	for _, valid := range []Status{
		StatusWaitForConfirmation, StatusPending, StatusRunning,
		StatusCanceling, StatusFinished, StatusError, StatusCanceled,
	} {
		got, err := ParseStatus(string(valid))
		assert.NoError(t, err)
		assert.Equal(t, valid, got)
	}

	_, err := ParseStatus("exploded")
	assert.ErrorIs(t, err, ErrUnknownStatus)
	_, err = ParseStatus("")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestParseType(t *testing.T) {
	got, err := ParseType("timeforced")
	assert.NoError(t, err)
	assert.Equal(t, TypeTimeForced, got)

	_, err = ParseType("hard")
	assert.ErrorIs(t, err, ErrUnknownActionType)
	_, err = ParseType("")
	assert.ErrorIs(t, err, ErrUnknownActionType)
}
