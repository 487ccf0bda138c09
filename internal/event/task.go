package event

// Task is the queue message handed from the ingestor to the worker. It
// carries only identifiers; the worker re-reads the stored event so that
// replays and re-drives always see current state.
type Task struct {
	DeliveryID   string            `json:"delivery_id"`
	EventType    string            `json:"event_type"`
	RepoFullName string            `json:"repo_full_name"`
	Attempt      int               `json:"attempt"`
	PublishedAt  string            `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}
