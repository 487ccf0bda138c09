package event

import (
	"encoding/json"
	"fmt"
)

// ChangeChannel is a Postgres NOTIFY channel carrying task changes.
type ChangeChannel string

const (
	ChannelTaskUpdate    ChangeChannel = "task_update"
	ChannelTaskCompleted ChangeChannel = "task_completed"
	ChannelTaskAssigned  ChangeChannel = "task_assigned"
)

// ChangeChannels lists every channel the listener subscribes to.
var ChangeChannels = []ChangeChannel{
	ChannelTaskUpdate,
	ChannelTaskCompleted,
	ChannelTaskAssigned,
}

// TaskPayload carries the task fields embedded in a trigger notification.
// Values reflect the row at trigger time, not current row state.
type TaskPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	DueDate     string `json:"due_date"`
	ExternalID  string `json:"external_id"`
}

// ChangeEvent is one parsed trigger notification. Ephemeral: consumed
// synchronously by the processor, never persisted.
type ChangeEvent struct {
	Channel     ChangeChannel
	RecipientID string
	Payload     TaskPayload
}

type changeWire struct {
	DiscordID json.RawMessage `json:"discord_id"`
	Message   TaskPayload     `json:"message"`
}

// ParseChangeNotification parses one raw notification payload. The payload
// must be a JSON object with a non-empty discord_id; message is optional.
// discord_id may arrive as a JSON string or number depending on the column
// type behind the trigger.
func ParseChangeNotification(channel ChangeChannel, raw string) (ChangeEvent, error) {
	var wire changeWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return ChangeEvent{}, fmt.Errorf("malformed notification payload: %w", err)
	}

	recipient, err := decodeRecipientID(wire.DiscordID)
	if err != nil {
		return ChangeEvent{}, err
	}

	return ChangeEvent{
		Channel:     channel,
		RecipientID: recipient,
		Payload:     wire.Message,
	}, nil
}

func decodeRecipientID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing discord_id")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("invalid discord_id: %s", raw)
		}
		s = n.String()
	}

	if s == "" {
		return "", fmt.Errorf("missing discord_id")
	}
	return s, nil
}
