package grid

import (
	"fmt"
	"time"

	"grid-distributor/capabilities"

	"github.com/google/uuid"
)

type NodeID string

type SessionID string

type RequestID string

func NewNodeID() NodeID { return NodeID(uuid.NewString()) }

func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

func NewRequestID() RequestID { return RequestID(uuid.NewString()) }

// SlotID identifies one slot on one node.
type SlotID struct {
	NodeID NodeID `json:"nodeId"`
	ID     string `json:"id"`
}

func (s SlotID) String() string {
	return fmt.Sprintf("%s/%s", s.NodeID, s.ID)
}

type Availability string

const (
	AvailabilityUp       Availability = "UP"
	AvailabilityDraining Availability = "DRAINING"
	AvailabilityDown     Availability = "DOWN"
)

// Slot is free when SessionID is empty and bound to exactly one session otherwise.
type Slot struct {
	ID          SlotID                    `json:"id"`
	Stereotype  capabilities.Capabilities `json:"stereotype"`
	SessionID   SessionID                 `json:"sessionId,omitempty"`
	LastStarted time.Time                 `json:"lastStarted,omitempty"`
}

func (s Slot) IsFree() bool {
	return s.SessionID == ""
}

type NodeStatus struct {
	NodeID       NodeID       `json:"nodeId"`
	URI          string       `json:"uri"`
	MaxSessions  int          `json:"maxSessions"`
	Slots        []Slot       `json:"slots"`
	Availability Availability `json:"availability"`
	Version      string       `json:"version,omitempty"`
}

// InUse counts occupied slots.
func (n NodeStatus) InUse() int {
	used := 0
	for _, s := range n.Slots {
		if !s.IsFree() {
			used++
		}
	}
	return used
}

func (n NodeStatus) capacity() int {
	if n.MaxSessions > 0 {
		return n.MaxSessions
	}
	return len(n.Slots)
}

// Load is the fraction of the node's session capacity in use. A node without capacity
// reports 1.
func (n NodeStatus) Load() float64 {
	c := n.capacity()
	if c == 0 {
		return 1
	}
	return float64(n.InUse()) / float64(c)
}

func (n NodeStatus) HasCapacity() bool {
	return n.Load() < 1.0
}

// RemainingCapacity is how many more sessions the node accepts.
func (n NodeStatus) RemainingCapacity() int {
	r := n.capacity() - n.InUse()
	if r < 0 {
		return 0
	}
	return r
}

// LastSessionCreated is the most recent slot start time, zero if none ever started.
func (n NodeStatus) LastSessionCreated() time.Time {
	var last time.Time
	for _, s := range n.Slots {
		if s.LastStarted.After(last) {
			last = s.LastStarted
		}
	}
	return last
}

func (n NodeStatus) Slot(id SlotID) (Slot, bool) {
	for _, s := range n.Slots {
		if s.ID == id {
			return s, true
		}
	}
	return Slot{}, false
}

func (n NodeStatus) Stereotypes() []capabilities.Capabilities {
	out := make([]capabilities.Capabilities, 0, len(n.Slots))
	for _, s := range n.Slots {
		out = append(out, s.Stereotype)
	}
	return out
}

// Clone copies the slot list so the result can be mutated independently.
// Capabilities are immutable and shared.
func (n NodeStatus) Clone() NodeStatus {
	out := n
	if n.Slots != nil {
		out.Slots = make([]Slot, len(n.Slots))
		copy(out.Slots, n.Slots)
	}
	return out
}

// StereotypeCapacity is the number of sessions of one stereotype the grid can start now.
type StereotypeCapacity struct {
	Stereotype capabilities.Capabilities `json:"stereotype"`
	Count      int                       `json:"count"`
}

// SessionRequest is one client's ask for a session. Capabilities holds alternative
// payloads for the same logical request; any of them may be satisfied.
type SessionRequest struct {
	ID           RequestID                   `json:"requestId"`
	Capabilities []capabilities.Capabilities `json:"capabilities"`
	EnqueuedAt   time.Time                   `json:"enqueuedAt"`
	Metadata     map[string]string           `json:"metadata,omitempty"`
}

// SessionRequestCapability is the read-only view of a queued request.
type SessionRequestCapability struct {
	ID           RequestID                   `json:"requestId"`
	Capabilities []capabilities.Capabilities `json:"capabilities"`
}

type CreateSessionResponse struct {
	SessionID    SessionID                 `json:"sessionId"`
	NodeID       NodeID                    `json:"nodeId"`
	SlotID       SlotID                    `json:"slotId"`
	URI          string                    `json:"uri"`
	Capabilities capabilities.Capabilities `json:"capabilities"`
	StartedAt    time.Time                 `json:"startedAt"`
}

// Result resolves a waiting caller: exactly one of Response and Err is set.
type Result struct {
	Response *CreateSessionResponse
	Err      error
}

type RequestState string

const (
	StateQueued     RequestState = "QUEUED"
	StateMatching   RequestState = "MATCHING"
	StateReserved   RequestState = "RESERVED"
	StateDelegating RequestState = "DELEGATING"
	StateCompleted  RequestState = "COMPLETED"
	StateFailed     RequestState = "FAILED"
)
