package security

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inats "github.com/pixelforge-ai/pixelforge/internal/nats"
)

func TestSecurityEventDeserialization(t *testing.T) {
	userID := uuid.New()
	keyID := uuid.New()

	event := inats.SecurityEvent{
		UserID:    &userID,
		APIKeyID:  &keyID,
		EventType: EventRateLimited,
		Severity:  SeverityMedium,
		IPAddress: "203.0.113.9",
		Details:   "per-minute ceiling of 60 exceeded",
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded inats.SecurityEvent
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.NotNil(t, decoded.UserID)
	assert.Equal(t, userID, *decoded.UserID)
	require.NotNil(t, decoded.APIKeyID)
	assert.Equal(t, keyID, *decoded.APIKeyID)
	assert.Equal(t, EventRateLimited, decoded.EventType)
	assert.Equal(t, SeverityMedium, decoded.Severity)
	assert.Equal(t, "203.0.113.9", decoded.IPAddress)
}

func TestConvertEvent(t *testing.T) {
	userID := uuid.New()
	ts := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)

	event := inats.SecurityEvent{
		UserID:    &userID,
		EventType: EventInvalidKey,
		Severity:  SeverityLow,
		IPAddress: "198.51.100.4",
		Details:   "unknown key prefix",
		Timestamp: ts,
	}

	row := convertEvent(event)

	assert.NotEqual(t, uuid.Nil, row.ID)
	require.NotNil(t, row.UserID)
	assert.Equal(t, userID, *row.UserID)
	assert.Nil(t, row.APIKeyID)
	assert.Equal(t, EventInvalidKey, row.EventType)
	assert.Equal(t, SeverityLow, row.Severity)
	assert.Equal(t, ts, row.CreatedAt)
}

func TestConvertEvent_AnonymousCaller(t *testing.T) {
	event := inats.SecurityEvent{
		EventType: EventBlockedIP,
		Severity:  SeverityHigh,
		IPAddress: "192.0.2.1",
		Timestamp: time.Now().UTC(),
	}

	row := convertEvent(event)
	assert.Nil(t, row.UserID)
	assert.Nil(t, row.APIKeyID)
	assert.Equal(t, EventBlockedIP, row.EventType)
}
