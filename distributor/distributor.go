package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-distributor/capabilities"
	"grid-distributor/events"
	"grid-distributor/grid"
	"grid-distributor/metrics"
	"grid-distributor/queue"
	"grid-distributor/registry"
	"grid-distributor/retry"
	"grid-distributor/selector"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

// SessionDelegator starts and stops sessions on the node that owns a slot.
type SessionDelegator interface {
	CreateSession(ctx context.Context, node grid.NodeStatus, slot grid.SlotID, caps capabilities.Capabilities) (*grid.CreateSessionResponse, error)
	StopSession(ctx context.Context, node grid.NodeStatus, id grid.SessionID) error
}

type Options struct {
	Registry  *registry.Registry
	Queue     *queue.Queue
	Selector  selector.SlotSelector
	Delegator SessionDelegator
	// Retry spaces out attempts for requests that found no slot or hit a transient failure.
	Retry retry.Policy
	Clock clock.WithTickerAndDelayedExecution

	Workers           int
	MaxInFlight       int
	DelegationTimeout time.Duration
	PollInterval      time.Duration
	// MaxRematches bounds immediate re-selection after losing every reservation race.
	MaxRematches int
}

// Distributor matches queued session requests to free slots and hands them to nodes.
// It keeps no state of its own between requests; slot ownership is decided by
// registry.Reserve alone.
type Distributor struct {
	registry  *registry.Registry
	queue     *queue.Queue
	selector  selector.SlotSelector
	delegator SessionDelegator
	retry     retry.Policy
	clock     clock.WithTickerAndDelayedExecution

	workers           int
	delegationTimeout time.Duration
	pollInterval      time.Duration
	maxRematches      int

	sem      *semaphore.Weighted
	wake     chan struct{}
	handlers sync.WaitGroup
}

func New(opts Options) (*Distributor, error) {
	if opts.Registry == nil || opts.Queue == nil || opts.Delegator == nil {
		return nil, errors.New("distributor: registry, queue and delegator are required")
	}
	if opts.Selector == nil {
		opts.Selector = selector.Default{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 16
	}
	if opts.DelegationTimeout <= 0 {
		opts.DelegationTimeout = 3 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = queue.DefaultRetryInterval
	}
	if opts.Retry.Initial <= 0 {
		opts.Retry.Initial = opts.PollInterval
	}
	if opts.MaxRematches <= 0 {
		opts.MaxRematches = 3
	}

	d := &Distributor{
		registry:          opts.Registry,
		queue:             opts.Queue,
		selector:          opts.Selector,
		delegator:         opts.Delegator,
		retry:             opts.Retry,
		clock:             opts.Clock,
		workers:           opts.Workers,
		delegationTimeout: opts.DelegationTimeout,
		pollInterval:      opts.PollInterval,
		maxRematches:      opts.MaxRematches,
		sem:               semaphore.NewWeighted(int64(opts.MaxInFlight)),
		wake:              make(chan struct{}, 1),
	}
	d.registry.SetOnChange(d.Notify)
	return d, nil
}

// Notify wakes a polling worker. New requests and freed capacity call it.
func (d *Distributor) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls the queue with the configured number of workers until ctx is done, then
// waits for running handlers.
func (d *Distributor) Run(ctx context.Context) error {
	log.Info().Int("workers", d.workers).Dur("pollInterval", d.pollInterval).Msg("distributor: started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.worker(ctx)
			return nil
		})
	}
	err := g.Wait()
	d.handlers.Wait()
	log.Info().Msg("distributor: stopped")
	return err
}

func (d *Distributor) worker(ctx context.Context) {
	ticker := d.clock.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		d.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		case <-d.wake:
		}
	}
}

// PollOnce takes every request the current free capacity can serve and starts a
// handler for each. It returns the number of requests taken.
func (d *Distributor) PollOnce(ctx context.Context) int {
	available := d.registry.AvailableStereotypes()
	if len(available) == 0 {
		return 0
	}
	reqs := d.queue.GetNextAvailable(available)
	for _, req := range reqs {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.queue.Retry(req)
			continue
		}
		d.handlers.Add(1)
		go func(req *grid.SessionRequest) {
			defer d.handlers.Done()
			defer d.sem.Release(1)
			d.handle(ctx, req)
		}(req)
	}
	return len(reqs)
}

func (d *Distributor) handle(ctx context.Context, req *grid.SessionRequest) {
	logger := log.With().Str("requestId", string(req.ID)).Logger()
	logger.Debug().Str("state", string(grid.StateMatching)).Msg("distributor: matching request")

	node, slot, caps, err := d.reserve(req)
	if err != nil {
		d.retryLater(req, err)
		return
	}
	logger.Debug().Str("state", string(grid.StateReserved)).Str("slotId", slot.String()).Msg("distributor: slot reserved")

	resp, err := d.delegate(ctx, node, slot, caps)
	if err != nil {
		d.registry.Release(slot)
		if grid.IsRetryable(err) {
			logger.Warn().Err(err).Str("nodeId", string(node.NodeID)).Msg("distributor: delegation failed; will retry")
			d.retryLater(req, err)
			return
		}
		logger.Warn().Err(err).Str("state", string(grid.StateFailed)).Str("reason", string(grid.ReasonOf(err))).Msg("distributor: session creation failed")
		d.queue.Complete(req.ID, grid.Result{Err: err})
		return
	}

	d.registry.Confirm(slot, resp.SessionID)
	if !d.queue.Complete(req.ID, grid.Result{Response: resp}) {
		logger.Warn().Str("sessionId", string(resp.SessionID)).Msg("distributor: request resolved elsewhere; stopping new session")
		d.stopOrphan(node, slot, resp.SessionID)
		return
	}
	logger.Info().Str("state", string(grid.StateCompleted)).Str("nodeId", string(node.NodeID)).Str("slotId", slot.String()).Str("sessionId", string(resp.SessionID)).Msg("distributor: session created")
}

// reserve selects and reserves a slot for one of the request's alternatives. When every
// candidate is lost to other workers it selects again on a fresh snapshot, a bounded
// number of times.
func (d *Distributor) reserve(req *grid.SessionRequest) (grid.NodeStatus, grid.SlotID, capabilities.Capabilities, error) {
	placeholder := grid.NewSessionID()
	for attempt := 0; attempt <= d.maxRematches; attempt++ {
		snapshot := d.registry.Snapshot()
		raced := false
		for _, caps := range req.Capabilities {
			for _, slot := range d.selector.SelectSlots(caps, snapshot) {
				if d.registry.Reserve(slot, placeholder) {
					return nodeOf(snapshot, slot.NodeID), slot, caps, nil
				}
				raced = true
				metrics.ReservationRacesTotal.Inc()
			}
		}
		if !raced {
			return grid.NodeStatus{}, grid.SlotID{}, capabilities.Capabilities{}, grid.NewError(grid.ReasonNoMatchAvailable, "no free slot matches request %s", req.ID)
		}
	}
	return grid.NodeStatus{}, grid.SlotID{}, capabilities.Capabilities{}, grid.NewError(grid.ReasonReservationRaced, "lost every reservation race for request %s", req.ID)
}

func nodeOf(nodes []grid.NodeStatus, id grid.NodeID) grid.NodeStatus {
	for _, n := range nodes {
		if n.NodeID == id {
			return n
		}
	}
	return grid.NodeStatus{NodeID: id}
}

func (d *Distributor) delegate(ctx context.Context, node grid.NodeStatus, slot grid.SlotID, caps capabilities.Capabilities) (*grid.CreateSessionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, d.delegationTimeout)
	defer cancel()

	metrics.DelegationsInFlight.Inc()
	defer metrics.DelegationsInFlight.Dec()

	log.Debug().Str("state", string(grid.StateDelegating)).Str("nodeId", string(node.NodeID)).Str("slotId", slot.String()).Msg("distributor: delegating session")
	resp, err := d.delegator.CreateSession(ctx, node, slot, caps)
	if err != nil {
		if grid.ReasonOf(err) == "" {
			err = grid.WrapError(grid.ReasonDelegationFailed, err, "node %s could not start a session", node.NodeID)
		}
		return nil, err
	}
	if resp == nil || resp.SessionID == "" {
		return nil, grid.NewError(grid.ReasonDelegationFailed, "node %s returned no session", node.NodeID)
	}
	if resp.NodeID == "" {
		resp.NodeID = node.NodeID
	}
	if resp.SlotID == (grid.SlotID{}) {
		resp.SlotID = slot
	}
	if resp.URI == "" {
		resp.URI = node.URI
	}
	if resp.StartedAt.IsZero() {
		resp.StartedAt = d.clock.Now()
	}
	return resp, nil
}

// retryLater puts the request back in the queue, held back for a backoff delay. It stays
// subject to the queue's timeout sweep while it waits.
func (d *Distributor) retryLater(req *grid.SessionRequest, cause error) {
	delay := d.retry.Delay(d.queue.Attempts(req.ID))
	metrics.RetriesTotal.Inc()
	log.Debug().Err(cause).Str("requestId", string(req.ID)).Str("state", string(grid.StateQueued)).Dur("delay", delay).Msg("distributor: request will be retried")

	if !d.queue.RetryAfter(req, delay) {
		return
	}
	d.clock.AfterFunc(delay, d.Notify)
}

func (d *Distributor) stopOrphan(node grid.NodeStatus, slot grid.SlotID, id grid.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), d.delegationTimeout)
	defer cancel()
	if err := d.delegator.StopSession(ctx, node, id); err != nil {
		log.Error().Err(err).Str("nodeId", string(node.NodeID)).Str("sessionId", string(id)).Msg("distributor: failed to stop orphaned session")
	}
	d.registry.Release(slot)
}

// NewSession queues a request for any of the alternative capability sets and waits for
// a session or a terminal failure.
func (d *Distributor) NewSession(ctx context.Context, alternatives []capabilities.Capabilities, metadata map[string]string) (*grid.CreateSessionResponse, error) {
	if len(alternatives) == 0 {
		return nil, grid.NewError(grid.ReasonMalformedRequest, "no capabilities requested")
	}
	for _, c := range alternatives {
		if err := c.Validate(); err != nil {
			return nil, grid.WrapError(grid.ReasonMalformedRequest, err, "invalid capabilities %s", c)
		}
	}

	req := &grid.SessionRequest{
		ID:           grid.NewRequestID(),
		Capabilities: alternatives,
		Metadata:     metadata,
	}
	ch, err := d.queue.Add(req)
	if err != nil {
		return nil, err
	}
	log.Info().Str("requestId", string(req.ID)).Int("alternatives", len(alternatives)).Msg("distributor: session requested")
	d.Notify()

	resp, err := d.queue.Await(ctx, req.ID, ch)
	if err != nil {
		metrics.SessionsTotal.WithLabelValues("failure").Inc()
		reason := grid.ReasonOf(err)
		if reason == "" {
			reason = "canceled"
		}
		metrics.SessionFailuresTotal.WithLabelValues(string(reason)).Inc()
		return nil, err
	}
	metrics.SessionsTotal.WithLabelValues("success").Inc()
	metrics.SessionCreationDuration.Observe(d.clock.Since(req.EnqueuedAt).Seconds())
	return resp, nil
}

// HandleNodeEvent applies a registration, heartbeat or removal to the registry.
func (d *Distributor) HandleNodeEvent(ctx context.Context, ev *events.NodeEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Type {
	case events.TypeNodeStatus:
		if err := d.registry.Update(ctx, *ev.Status); err != nil {
			return fmt.Errorf("distributor: node %s: %w", ev.NodeID, err)
		}
	case events.TypeNodeRemoved:
		d.registry.Deregister(ctx, ev.NodeID)
	}
	d.Notify()
	return nil
}
