package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		expectError bool
		expectedID  int64
	}{
		{
			name:       "full message",
			data:       `{"id":3,"customer_id":"c1","agent":"reaper","action":"Run timed out","event_type":"run_timeout","severity":"error","details":{"run_id":"r1"},"created_at":"2025-01-02T03:04:05Z"}`,
			expectedID: 3,
		},
		{
			name:       "minimal message",
			data:       `{"id":4,"event_type":"run_started"}`,
			expectedID: 4,
		},
		{
			name:        "not json",
			data:        `run_started`,
			expectError: true,
		},
		{
			name:        "wrong field type",
			data:        `{"id":"five"}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decodeMessage([]byte(tt.data))
			if tt.expectError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "could not parse message")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedID, msg.ID)
		})
	}
}

func TestProcessMessage(t *testing.T) {
	t.Run("handler is invoked", func(t *testing.T) {
		var got ActivityMessage
		err := processMessage(func(m ActivityMessage) { got = m }, ActivityMessage{ID: 9})
		assert.NoError(t, err)
		assert.Equal(t, int64(9), got.ID)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		err := processMessage(func(ActivityMessage) { panic("boom") }, ActivityMessage{ID: 10})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler panicked: boom")
	})
}
