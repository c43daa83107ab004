package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStatusTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr error
	}{
		{name: "queued to running", from: StatusQueued, to: StatusRunning},
		{name: "queued to succeeded", from: StatusQueued, to: StatusSucceeded},
		{name: "queued to failed skips execution", from: StatusQueued, to: StatusFailed},
		{name: "running to succeeded", from: StatusRunning, to: StatusSucceeded},
		{name: "running to failed", from: StatusRunning, to: StatusFailed},
		{name: "running to partially succeeded", from: StatusRunning, to: StatusPartiallySucceeded},
		{
			name:    "running back to queued",
			from:    StatusRunning,
			to:      StatusQueued,
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "succeeded is immutable",
			from:    StatusSucceeded,
			to:      StatusFailed,
			wantErr: ErrTerminalStatusImmutable,
		},
		{
			name:    "failed cannot be resurrected",
			from:    StatusFailed,
			to:      StatusRunning,
			wantErr: ErrTerminalStatusImmutable,
		},
		{name: "terminal to same status is idempotent", from: StatusFailed, to: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStatusTransition(tt.from, tt.to)

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			assert.NoError(t, err)
		})
	}
}

func TestOverallStatus(t *testing.T) {
	mk := func(status Status, runAtEnd bool) *Query {
		return &Query{ID: NewID(), Status: status, RunAtEnd: runAtEnd}
	}

	tests := []struct {
		name    string
		queries []*Query
		want    Status
		wantErr error
	}{
		{
			name:    "all succeeded",
			queries: []*Query{mk(StatusSucceeded, false), mk(StatusSucceeded, false)},
			want:    StatusSucceeded,
		},
		{
			name:    "all failed",
			queries: []*Query{mk(StatusFailed, false), mk(StatusFailed, false)},
			want:    StatusFailed,
		},
		{
			name:    "mixed outcomes",
			queries: []*Query{mk(StatusSucceeded, false), mk(StatusFailed, false)},
			want:    StatusPartiallySucceeded,
		},
		{
			name:    "still running",
			queries: []*Query{mk(StatusSucceeded, false), mk(StatusRunning, false)},
			want:    StatusRunning,
		},
		{
			name:    "failed cleanup does not flip success",
			queries: []*Query{mk(StatusSucceeded, false), mk(StatusFailed, true)},
			want:    StatusSucceeded,
		},
		{
			name:    "failed cleanup does not soften failure",
			queries: []*Query{mk(StatusFailed, false), mk(StatusSucceeded, true)},
			want:    StatusFailed,
		},
		{
			name:    "empty set",
			queries: nil,
			wantErr: ErrEmptyQuerySet,
		},
		{
			name:    "only cleanup queries",
			queries: []*Query{mk(StatusSucceeded, true)},
			wantErr: ErrEmptyQuerySet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OverallStatus(tt.queries)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyDoesNotMutateOriginal(t *testing.T) {
	original := &Query{ID: NewID(), Status: StatusQueued}

	running := StatusRunning
	updated := original.Apply(Changes{Status: &running})

	assert.Equal(t, StatusQueued, original.Status)
	assert.Equal(t, StatusRunning, updated.Status)
	assert.Equal(t, original.ID, updated.ID)
}
