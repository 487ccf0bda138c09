package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DiscordSink delivers messages through the Discord REST API. DMs open a
// direct-message channel for the recipient first, then post into it.
type DiscordSink struct {
	baseURL  string
	botToken string
	client   *http.Client
}

// NewDiscordSink creates a sink against baseURL (e.g. the public API or a
// local fake) authenticated with the bot token.
func NewDiscordSink(baseURL, botToken string, timeout time.Duration) *DiscordSink {
	return &DiscordSink{
		baseURL:  baseURL,
		botToken: botToken,
		client:   &http.Client{Timeout: timeout},
	}
}

type dmChannelRequest struct {
	RecipientID string `json:"recipient_id"`
}

type dmChannelResponse struct {
	ID string `json:"id"`
}

type embed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields,omitempty"`
}

type messageRequest struct {
	Embeds []embed `json:"embeds"`
}

// DeliverDM opens the recipient's DM channel and posts msg into it.
func (s *DiscordSink) DeliverDM(ctx context.Context, recipientID string, msg Message) (Result, error) {
	var channel dmChannelResponse
	result, err := s.post(ctx, "/users/@me/channels", dmChannelRequest{RecipientID: recipientID}, &channel)
	if result != Delivered {
		return result, fmt.Errorf("open dm channel: %w", err)
	}
	if channel.ID == "" {
		return TransientError, fmt.Errorf("open dm channel: empty channel id in response")
	}
	return s.DeliverChannel(ctx, channel.ID, msg)
}

// DeliverChannel posts msg into channelID as a single embed.
func (s *DiscordSink) DeliverChannel(ctx context.Context, channelID string, msg Message) (Result, error) {
	body := messageRequest{Embeds: []embed{{
		Title:       msg.Title,
		Description: msg.Body,
		Fields:      msg.Fields,
	}}}
	result, err := s.post(ctx, "/channels/"+channelID+"/messages", body, nil)
	if err != nil {
		return result, fmt.Errorf("post message: %w", err)
	}
	return result, nil
}

func (s *DiscordSink) post(ctx context.Context, path string, payload any, out any) (Result, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return TransientError, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return TransientError, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+s.botToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return TransientError, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return TransientError, fmt.Errorf("decode response: %w", err)
			}
		}
		return Delivered, nil
	case resp.StatusCode == http.StatusNotFound:
		return RecipientNotFound, fmt.Errorf("target not found (status %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return TransientError, fmt.Errorf("upstream status %d", resp.StatusCode)
	default:
		// 4xx other than 404/429: treat as permanent, caller logs and drops
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return RecipientNotFound, fmt.Errorf("rejected with status %d: %s", resp.StatusCode, snippet)
	}
}
