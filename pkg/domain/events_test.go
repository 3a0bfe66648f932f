package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransfersOwnership(t *testing.T) {
	cases := map[EventType]bool{
		EventBottled:  false,
		EventShipped:  true,
		EventReceived: false,
		EventSold:     true,
		EventType(0):  false,
		EventType(9):  false,
	}
	for event, want := range cases {
		assert.Equal(t, want, event.TransfersOwnership(), event.String())
	}
}

func TestEventTypeValid(t *testing.T) {
	for _, e := range EventTypes() {
		assert.True(t, e.Valid(), e.String())
	}
	assert.False(t, EventType(0).Valid())
	assert.False(t, EventType(5).Valid())
	assert.Equal(t, "event(5)", EventType(5).String())
}

func TestParseEventType(t *testing.T) {
	tests := []struct {
		in   string
		want EventType
	}{
		{"bottled", EventBottled},
		{"Shipped", EventShipped},
		{" RECEIVED ", EventReceived},
		{"sold", EventSold},
		{"1", EventBottled},
		{"4", EventSold},
	}
	for _, tc := range tests {
		got, err := ParseEventType(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	for _, bad := range []string{"", "0", "5", "burned", "-1"} {
		_, err := ParseEventType(bad)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, ErrInvalidEventType))
	}
}

func TestEventTypeJSON(t *testing.T) {
	raw, err := json.Marshal(struct {
		Type EventType `json:"type"`
	}{EventShipped})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"shipped"}`, string(raw))

	var decoded struct {
		Type EventType `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"type":"sold"}`), &decoded))
	assert.Equal(t, EventSold, decoded.Type)

	_, err = json.Marshal(struct {
		Type EventType `json:"type"`
	}{EventType(7)})
	require.Error(t, err)
	assert.Error(t, json.Unmarshal([]byte(`{"type":"lost"}`), &decoded))
}
