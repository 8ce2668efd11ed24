package memory

import (
	"encoding/json"
	"fmt"
	"time"
)

// encodeHistory serializes a history for the history_json column.
func encodeHistory(history []Turn) (string, error) {
	if history == nil {
		history = []Turn{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(raw), nil
}

func decodeHistory(raw string) ([]Turn, error) {
	if raw == "" {
		return []Turn{}, nil
	}
	var history []Turn
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if history == nil {
		history = []Turn{}
	}
	return history, nil
}

func nullableSummary(summary string) *string {
	if summary == "" {
		return nil
	}
	return &summary
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
