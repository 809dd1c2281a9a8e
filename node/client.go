package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"grid-distributor/capabilities"
	"grid-distributor/grid"

	"github.com/rs/zerolog/log"
)

const (
	SessionPath = "/se/grid/node/session"
	StatusPath  = "/status"
)

// CreateSessionPayload is what the distributor sends a node to start a session.
type CreateSessionPayload struct {
	SlotID       grid.SlotID               `json:"slotId"`
	Capabilities capabilities.Capabilities `json:"capabilities"`
}

type createSessionReply struct {
	SessionID    grid.SessionID            `json:"sessionId"`
	URI          string                    `json:"uri,omitempty"`
	Capabilities capabilities.Capabilities `json:"capabilities"`
	StartedAt    time.Time                 `json:"startedAt"`
}

// StatusError is a non-2xx answer from a node.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Body)
}

// Client talks to nodes over HTTP. It creates and stops sessions and probes liveness.
type Client struct {
	http *http.Client
}

func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: hc}
}

// CreateSession asks the node to start a session on slot. A node that rejects the
// capabilities yields an unsupported-capabilities error; an unreachable or failing
// node yields delegation-failed, which is worth retrying.
func (c *Client) CreateSession(ctx context.Context, n grid.NodeStatus, slot grid.SlotID, caps capabilities.Capabilities) (*grid.CreateSessionResponse, error) {
	target, err := endpoint(n.URI, SessionPath)
	if err != nil {
		return nil, grid.WrapError(grid.ReasonDelegationFailed, err, "node %s has no usable uri", n.NodeID)
	}

	var reply createSessionReply
	err = c.doJSON(ctx, http.MethodPost, target, CreateSessionPayload{SlotID: slot, Capabilities: caps}, &reply)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && rejectsCapabilities(se.Code) {
			return nil, grid.WrapError(grid.ReasonUnsupportedCapabilities, err, "node %s rejected capabilities %s", n.NodeID, caps)
		}
		return nil, grid.WrapError(grid.ReasonDelegationFailed, err, "node %s could not start a session", n.NodeID)
	}
	if reply.SessionID == "" {
		return nil, grid.NewError(grid.ReasonDelegationFailed, "node %s answered without a session id", n.NodeID)
	}

	resp := &grid.CreateSessionResponse{
		SessionID:    reply.SessionID,
		NodeID:       n.NodeID,
		SlotID:       slot,
		URI:          firstNonEmpty(reply.URI, n.URI),
		Capabilities: reply.Capabilities,
		StartedAt:    reply.StartedAt,
	}
	if resp.Capabilities.IsEmpty() {
		resp.Capabilities = caps
	}
	if resp.StartedAt.IsZero() {
		resp.StartedAt = time.Now()
	}
	log.Debug().Str("nodeId", string(n.NodeID)).Str("slotId", slot.String()).Str("sessionId", string(resp.SessionID)).Msg("node: session created")
	return resp, nil
}

// StopSession ends a session. A session the node no longer knows counts as stopped.
func (c *Client) StopSession(ctx context.Context, n grid.NodeStatus, id grid.SessionID) error {
	target, err := endpoint(n.URI, SessionPath, string(id))
	if err != nil {
		return err
	}
	err = c.doJSON(ctx, http.MethodDelete, target, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// Probe checks that the node answers on its status endpoint.
func (c *Client) Probe(ctx context.Context, n grid.NodeStatus) error {
	target, err := endpoint(n.URI, StatusPath)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodGet, target, nil, nil)
}

func rejectsCapabilities(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

func (c *Client) doJSON(ctx context.Context, method, target string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func endpoint(base string, elems ...string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", errors.New("empty uri")
	}
	return url.JoinPath(base, elems...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
