package sink

import "context"

// Result classifies a delivery attempt.
type Result int

const (
	// Delivered means the recipient or channel accepted the message.
	Delivered Result = iota
	// RecipientNotFound means the target does not exist. Not retryable.
	RecipientNotFound
	// TransientError means the attempt failed in a way worth retrying.
	TransientError
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case RecipientNotFound:
		return "recipient_not_found"
	case TransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// Field is one structured name/value pair attached to a message.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Message is a formatted notification ready for delivery.
type Message struct {
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	Fields []Field `json:"fields,omitempty"`
}

// Sink delivers messages to recipients and channels. Implementations are
// constructed once and passed down explicitly.
type Sink interface {
	DeliverDM(ctx context.Context, recipientID string, msg Message) (Result, error)
	DeliverChannel(ctx context.Context, channelID string, msg Message) (Result, error)
}
