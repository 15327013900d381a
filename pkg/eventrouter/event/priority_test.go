package event_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventrouter/pkg/eventrouter/event"
)

func TestPriorityOrdering(t *testing.T) {
	assert.True(t, event.PriorityCritical > event.PriorityHigh)
	assert.True(t, event.PriorityHigh > event.PriorityNormal)
	assert.True(t, event.PriorityNormal > event.PriorityLow)
}

func TestPriorityString(t *testing.T) {
	tests := []struct {
		priority event.Priority
		expected string
	}{
		{event.PriorityLow, "LOW"},
		{event.PriorityNormal, "NORMAL"},
		{event.PriorityHigh, "HIGH"},
		{event.PriorityCritical, "CRITICAL"},
		{event.Priority(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.priority.String())
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in       string
		expected event.Priority
		wantErr  bool
	}{
		{"LOW", event.PriorityLow, false},
		{"low", event.PriorityLow, false},
		{"Normal", event.PriorityNormal, false},
		{"HIGH", event.PriorityHigh, false},
		{"critical", event.PriorityCritical, false},
		{" HIGH ", event.PriorityHigh, false},
		{"", event.PriorityNormal, false},
		{"URGENT", event.PriorityNormal, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := event.ParsePriority(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestPriorityJSON(t *testing.T) {
	t.Run("marshal as name", func(t *testing.T) {
		data, err := json.Marshal(event.PriorityCritical)
		require.NoError(t, err)
		assert.Equal(t, `"CRITICAL"`, string(data))
	})

	t.Run("unmarshal name", func(t *testing.T) {
		var p event.Priority
		require.NoError(t, json.Unmarshal([]byte(`"high"`), &p))
		assert.Equal(t, event.PriorityHigh, p)
	})

	t.Run("unmarshal level", func(t *testing.T) {
		var p event.Priority
		require.NoError(t, json.Unmarshal([]byte(`3`), &p))
		assert.Equal(t, event.PriorityCritical, p)
	})

	t.Run("unmarshal bad name", func(t *testing.T) {
		var p event.Priority
		assert.Error(t, json.Unmarshal([]byte(`"URGENT"`), &p))
	})

	t.Run("unmarshal out of range", func(t *testing.T) {
		var p event.Priority
		assert.Error(t, json.Unmarshal([]byte(`9`), &p))
	})
}
