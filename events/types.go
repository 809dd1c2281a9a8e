package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grid-distributor/grid"
)

const EnvelopeVersion = "1.0"

type EventType string

const (
	TypeNodeStatus  EventType = "node-status"
	TypeNodeRemoved EventType = "node-removed"
)

var ErrInvalidEvent = errors.New("invalid node event")

// NodeEvent is what nodes announce to the distributor: a full status on start-up,
// on every heartbeat and whenever capacity changes, and a removal on shutdown.
type NodeEvent struct {
	EnvelopeVersion string           `json:"envelopeVersion"`
	Type            EventType        `json:"type"`
	NodeID          grid.NodeID      `json:"nodeId"`
	Status          *grid.NodeStatus `json:"status,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

func NewStatusEvent(status grid.NodeStatus, at time.Time) *NodeEvent {
	s := status.Clone()
	return &NodeEvent{
		EnvelopeVersion: EnvelopeVersion,
		Type:            TypeNodeStatus,
		NodeID:          status.NodeID,
		Status:          &s,
		Timestamp:       at,
	}
}

func NewRemovedEvent(id grid.NodeID, at time.Time) *NodeEvent {
	return &NodeEvent{
		EnvelopeVersion: EnvelopeVersion,
		Type:            TypeNodeRemoved,
		NodeID:          id,
		Timestamp:       at,
	}
}

// Validate checks the envelope. A status without a node id inherits the event's.
func (e *NodeEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("nil event: %w", ErrInvalidEvent)
	}
	if e.NodeID == "" && e.Status != nil {
		e.NodeID = e.Status.NodeID
	}
	if e.NodeID == "" {
		return fmt.Errorf("missing node id: %w", ErrInvalidEvent)
	}
	switch e.Type {
	case TypeNodeStatus:
		if e.Status == nil {
			return fmt.Errorf("node %s: status event without status: %w", e.NodeID, ErrInvalidEvent)
		}
		if e.Status.NodeID == "" {
			e.Status.NodeID = e.NodeID
		}
		if e.Status.NodeID != e.NodeID {
			return fmt.Errorf("node %s: status describes node %s: %w", e.NodeID, e.Status.NodeID, ErrInvalidEvent)
		}
	case TypeNodeRemoved:
	default:
		return fmt.Errorf("node %s: unknown event type %q: %w", e.NodeID, e.Type, ErrInvalidEvent)
	}
	return nil
}

type Handler func(context.Context, *NodeEvent) error

type Subscriber interface {
	Start(ctx context.Context, handler Handler) error
}

type Publisher interface {
	PublishNodeEvent(ctx context.Context, ev *NodeEvent) error
}
