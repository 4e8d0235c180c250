package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const defaultRequestTimeout = 30 * time.Second

// Descriptor carries everything needed to join one provisioned session:
// room credentials, the gateway URL, and the identity the backend
// assigned to the local participant. It is issued once per session and
// never mutated.
type Descriptor struct {
	SessionID           string `json:"session_id"`
	RoomName            string `json:"room_name"`
	TransportURL        string `json:"transport_url"`
	AccessToken         string `json:"access_token"`
	ParticipantIdentity string `json:"participant_identity"`
	Status              string `json:"status"`
}

// Client talks to the session backend. The API key is attached as a
// bearer token when present; without one the public variant of the
// endpoints is used.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *log.Logger
}

func NewClient(baseURL, apiKey string, logger *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		logger:  logger,
	}
}

// CreateSession asks the backend to allocate a room for a conversation
// with the given agent and returns its descriptor.
func (c *Client) CreateSession(ctx context.Context, agentID, participantName string) (*Descriptor, error) {
	payload := struct {
		AgentID         string `json:"agent_id"`
		ParticipantName string `json:"participant_name"`
	}{
		AgentID:         agentID,
		ParticipantName: participantName,
	}

	var descriptor Descriptor
	if err := c.post(ctx, "/livekit/session/start", payload, &descriptor); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if descriptor.SessionID == "" || descriptor.TransportURL == "" {
		return nil, fmt.Errorf("create session: backend returned an incomplete descriptor")
	}

	c.logger.Debug("session provisioned",
		"session", descriptor.SessionID,
		"room", descriptor.RoomName,
	)
	return &descriptor, nil
}

// EndSession notifies the backend that a session is over. Callers treat
// this as best-effort.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	payload := struct {
		SessionID string `json:"session_id"`
	}{
		SessionID: sessionID,
	}

	if err := c.post(ctx, "/livekit/session/end", payload, nil); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
