package remote

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireCommand is the record written to the command characteristic. The
// peripheral consumes JSON; timestamps travel as unix milliseconds.
type wireCommand struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

func encodeCommand(cmd Command) ([]byte, error) {
	rec := wireCommand{
		ID:        cmd.ID,
		Type:      string(cmd.Type),
		Action:    cmd.Action,
		Payload:   cmd.Payload,
		Timestamp: cmd.Timestamp.UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode command %s: %w", cmd.ID, err)
	}
	return data, nil
}

func decodeCommand(data []byte) (Command, error) {
	var rec wireCommand
	if err := json.Unmarshal(data, &rec); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return Command{
		ID:        rec.ID,
		Type:      CommandType(rec.Type),
		Action:    rec.Action,
		Payload:   rec.Payload,
		Timestamp: time.UnixMilli(rec.Timestamp),
	}, nil
}
