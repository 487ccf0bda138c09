package event

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType is a provider webhook event type.
type EventType string

const (
	TypePush              EventType = "push"
	TypePullRequest       EventType = "pull_request"
	TypeIssues            EventType = "issues"
	TypeIssueComment      EventType = "issue_comment"
	TypePullRequestReview EventType = "pull_request_review"
	TypeRelease           EventType = "release"
	TypeCreate            EventType = "create"
	TypeDelete            EventType = "delete"
	TypeFork              EventType = "fork"
	TypeStar              EventType = "star"
	TypeWatch             EventType = "watch"
)

// Projection holds the fields pulled out of a raw payload for one event
// type. Unknown types get the zero Projection.
type Projection struct {
	Title       string
	Body        string
	Branch      string
	CommitSHA   string
	PRNumber    int
	IssueNumber int
}

// extractors maps every known event type to its projection. Types with no
// extractable fields map to nil so that adding a type here is a deliberate
// decision rather than a silently-empty fallback.
var extractors = map[EventType]func(p payload) Projection{
	TypePush: func(p payload) Projection {
		ref := p.str("ref")
		return Projection{
			Branch:    ref[strings.LastIndex(ref, "/")+1:],
			CommitSHA: p.str("after"),
		}
	},
	TypePullRequest: func(p payload) Projection {
		pr := p.obj("pull_request")
		return Projection{
			Title:     pr.str("title"),
			Body:      pr.str("body"),
			Branch:    pr.obj("head").str("ref"),
			CommitSHA: pr.obj("head").str("sha"),
			PRNumber:  pr.num("number"),
		}
	},
	TypeIssues: func(p payload) Projection {
		issue := p.obj("issue")
		return Projection{
			Title:       issue.str("title"),
			Body:        issue.str("body"),
			IssueNumber: issue.num("number"),
		}
	},
	TypeIssueComment: func(p payload) Projection {
		return Projection{
			Title:       p.obj("issue").str("title"),
			Body:        p.obj("comment").str("body"),
			IssueNumber: p.obj("issue").num("number"),
		}
	},
	TypePullRequestReview: func(p payload) Projection {
		return Projection{
			Title:    p.obj("pull_request").str("title"),
			Body:     p.obj("review").str("body"),
			PRNumber: p.obj("pull_request").num("number"),
		}
	},
	TypeRelease: func(p payload) Projection {
		rel := p.obj("release")
		title := rel.str("name")
		if title == "" {
			title = rel.str("tag_name")
		}
		return Projection{Title: title, Body: rel.str("body")}
	},
	TypeCreate: func(p payload) Projection {
		return Projection{Branch: p.str("ref")}
	},
	TypeDelete: func(p payload) Projection {
		return Projection{Branch: p.str("ref")}
	},
	TypeFork:  nil,
	TypeStar:  nil,
	TypeWatch: nil,
}

// Known reports whether t is a recognized event type.
func (t EventType) Known() bool {
	_, ok := extractors[t]
	return ok
}

// ExtractProjection applies the mapping for t to the decoded payload.
// Pure: unknown types and missing fields yield zero values, never errors.
func ExtractProjection(t EventType, raw map[string]any) Projection {
	fn := extractors[t]
	if fn == nil {
		return Projection{}
	}
	return fn(payload(raw))
}

// WebhookEvent is one persisted provider webhook delivery.
type WebhookEvent struct {
	ID              int64
	DeliveryID      string
	ProviderEventID string
	RepoName        string
	RepoFullName    string
	EventType       EventType
	Action          string
	SenderLogin     string
	SenderID        int64
	Branch          string
	CommitSHA       string
	PRNumber        int
	IssueNumber     int
	Title           string
	Body            string
	RawPayload      []byte
	Processed       bool
	ProcessedAt     *time.Time
	ErrorMessage    string
	RetryCount      int
	CreatedAt       time.Time
}

// NewWebhookEvent builds a WebhookEvent from a raw delivery. The body must
// already be verified and known to be valid JSON.
func NewWebhookEvent(eventType EventType, deliveryID string, body []byte) (*WebhookEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	p := payload(raw)

	repo := p.obj("repository")
	sender := p.obj("sender")
	proj := ExtractProjection(eventType, raw)

	return &WebhookEvent{
		DeliveryID:      deliveryID,
		ProviderEventID: p.str("id"),
		RepoName:        repo.str("name"),
		RepoFullName:    repo.str("full_name"),
		EventType:       eventType,
		Action:          p.str("action"),
		SenderLogin:     sender.str("login"),
		SenderID:        int64(sender.num("id")),
		Branch:          proj.Branch,
		CommitSHA:       proj.CommitSHA,
		PRNumber:        proj.PRNumber,
		IssueNumber:     proj.IssueNumber,
		Title:           proj.Title,
		Body:            proj.Body,
		RawPayload:      body,
	}, nil
}

// payload wraps a decoded JSON object with nil-safe accessors.
type payload map[string]any

func (p payload) obj(key string) payload {
	m, _ := p[key].(map[string]any)
	return payload(m)
}

func (p payload) str(key string) string {
	s, _ := p[key].(string)
	return s
}

func (p payload) num(key string) int {
	f, _ := p[key].(float64)
	return int(f)
}
