package selector

import (
	"cmp"
	"fmt"
	"slices"

	"grid-distributor/capabilities"
	"grid-distributor/grid"
)

const (
	DefaultName = "default"
	GreedyName  = "greedy"
)

// SlotSelector orders the slots that could host a session for requested, most
// preferred first. An empty result means nothing fits right now.
type SlotSelector interface {
	SelectSlots(requested capabilities.Capabilities, nodes []grid.NodeStatus) []grid.SlotID
}

// New returns the selector registered under name. An empty name selects the default.
func New(name string) (SlotSelector, error) {
	switch name {
	case "", DefaultName:
		return Default{}, nil
	case GreedyName:
		return Greedy{}, nil
	default:
		return nil, fmt.Errorf("selector: unknown strategy %q", name)
	}
}

// Default balances browsers before load: nodes whose first stereotype names a browser
// offered by fewer nodes are withheld from requests for other browsers.
type Default struct{}

func (Default) SelectSlots(requested capabilities.Capabilities, nodes []grid.NodeStatus) []grid.SlotID {
	eligible := eligibleNodes(requested, nodes)
	if len(eligible) == 0 {
		return nil
	}
	eligible = bucketize(requested.BrowserName(), eligible)
	sortByPreference(eligible)
	return expand(requested, eligible)
}

// Greedy skips bucketing and takes the least loaded node first.
type Greedy struct{}

func (Greedy) SelectSlots(requested capabilities.Capabilities, nodes []grid.NodeStatus) []grid.SlotID {
	eligible := eligibleNodes(requested, nodes)
	if len(eligible) == 0 {
		return nil
	}
	sortByPreference(eligible)
	return expand(requested, eligible)
}

// eligibleNodes keeps UP nodes with spare capacity and at least one free slot that
// matches. A node whose matching slots are all busy must not occupy a bucket.
func eligibleNodes(requested capabilities.Capabilities, nodes []grid.NodeStatus) []grid.NodeStatus {
	out := make([]grid.NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		if n.Availability != grid.AvailabilityUp || !n.HasCapacity() {
			continue
		}
		for _, s := range n.Slots {
			if s.IsFree() && capabilities.Matches(requested, s.Stereotype) {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func bucketName(n grid.NodeStatus) string {
	if len(n.Slots) == 0 {
		return ""
	}
	return n.Slots[0].Stereotype.BrowserName()
}

// bucketize drops the smallest bucket other than the requested browser's until every
// remaining bucket is the same size. The requested bucket always survives.
func bucketize(requestedBrowser string, nodes []grid.NodeStatus) []grid.NodeStatus {
	buckets := make(map[string][]grid.NodeStatus)
	for _, n := range nodes {
		name := bucketName(n)
		buckets[name] = append(buckets[name], n)
	}

	for len(buckets) > 1 && !equalSizes(buckets) {
		victim, ok := smallestBucket(buckets, requestedBrowser)
		if !ok {
			break
		}
		delete(buckets, victim)
	}

	out := make([]grid.NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := buckets[bucketName(n)]; ok {
			out = append(out, n)
		}
	}
	return out
}

func equalSizes(buckets map[string][]grid.NodeStatus) bool {
	size := -1
	for _, b := range buckets {
		if size >= 0 && len(b) != size {
			return false
		}
		size = len(b)
	}
	return true
}

func smallestBucket(buckets map[string][]grid.NodeStatus, keep string) (string, bool) {
	var (
		victim string
		found  bool
	)
	for name, b := range buckets {
		if name == keep {
			continue
		}
		if !found || len(b) < len(buckets[victim]) || (len(b) == len(buckets[victim]) && name < victim) {
			victim, found = name, true
		}
	}
	return victim, found
}

func sortByPreference(nodes []grid.NodeStatus) {
	slices.SortStableFunc(nodes, func(a, b grid.NodeStatus) int {
		if c := cmp.Compare(a.Load(), b.Load()); c != 0 {
			return c
		}
		if c := a.LastSessionCreated().Compare(b.LastSessionCreated()); c != 0 {
			return c
		}
		return cmp.Compare(a.NodeID, b.NodeID)
	})
}

func expand(requested capabilities.Capabilities, nodes []grid.NodeStatus) []grid.SlotID {
	var out []grid.SlotID
	for _, n := range nodes {
		for _, s := range n.Slots {
			if s.IsFree() && capabilities.Matches(requested, s.Stereotype) {
				out = append(out, s.ID)
			}
		}
	}
	return out
}
