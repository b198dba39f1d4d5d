package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps every event with its type and publish time.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// StatusMessage is published on every status transition.
type StatusMessage struct {
	Board            string `json:"board"`
	From             string `json:"from"`
	To               string `json:"to"`
	CurrentVersion   string `json:"currentVersion"`
	AvailableVersion string `json:"availableVersion,omitempty"`
}

// ProgressMessage is published when the download percentage changes.
type ProgressMessage struct {
	Board   string `json:"board"`
	Version string `json:"version"`
	Percent int    `json:"percent"`
}

// Event types.
const (
	TypeStatus   = "ota_status"
	TypeProgress = "ota_progress"
)

func subject(prefix, board, kind string) string {
	return fmt.Sprintf("%s.%s.ota.%s", prefix, board, kind)
}

func encode(msgType string, payload any, now time.Time) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(Envelope{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}
