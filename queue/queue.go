package queue

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"grid-distributor/capabilities"
	"grid-distributor/grid"
	"grid-distributor/metrics"
	"grid-distributor/storage"

	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

const (
	DefaultRequestTimeout = 300 * time.Second
	DefaultRetryInterval  = 5 * time.Second
)

type Options struct {
	// RequestTimeout bounds how long a request may wait for a session.
	RequestTimeout time.Duration
	// RetryInterval is the period of the timeout sweep.
	RetryInterval time.Duration
	Clock         clock.WithTicker
	Store         storage.Store[grid.SessionRequest]
}

// Queue holds session requests until the distributor resolves them.
//
// A request is pending while it waits to be matched and in flight once GetNextAvailable
// handed it out. Both states count as tracked; only pending requests are evicted by the
// timeout sweep.
type Queue struct {
	timeout  time.Duration
	interval time.Duration
	clock    clock.WithTicker
	store    storage.Store[grid.SessionRequest]

	mu      sync.Mutex
	pending []*entry // ordered by enqueue time
	entries map[grid.RequestID]*entry
	closed  bool
	seq     uint64
}

type entry struct {
	request   *grid.SessionRequest
	deadline  time.Time
	attempts  int
	// not handed out before this instant; zero for fresh requests
	notBefore time.Time
	pending   bool
	seq       uint64
	result    chan grid.Result
}

func New(opts Options) *Queue {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Queue{
		timeout:  opts.RequestTimeout,
		interval: opts.RetryInterval,
		clock:    opts.Clock,
		store:    opts.Store,
		entries:  make(map[grid.RequestID]*entry),
	}
}

// Add enqueues req and returns the channel its single result is delivered on.
func (q *Queue) Add(req *grid.SessionRequest) (<-chan grid.Result, error) {
	if req == nil || len(req.Capabilities) == 0 {
		return nil, grid.NewError(grid.ReasonMalformedRequest, "session request carries no capabilities")
	}
	if req.ID == "" {
		req.ID = grid.NewRequestID()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, grid.NewError(grid.ReasonQueueClosed, "queue is not accepting requests")
	}
	if _, dup := q.entries[req.ID]; dup {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue: request %s already queued", req.ID)
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = q.clock.Now()
	}
	q.seq++
	e := &entry{
		request:  req,
		deadline: req.EnqueuedAt.Add(q.timeout),
		seq:      q.seq,
		result:   make(chan grid.Result, 1),
	}
	q.entries[req.ID] = e
	q.insert(e)
	size := len(q.pending)
	q.mu.Unlock()

	metrics.QueueSize.Set(float64(size))
	log.Debug().Str("requestId", string(req.ID)).Time("deadline", e.deadline).Msg("queue: request added")
	q.save(req)
	return e.result, nil
}

// Submit adds req and waits for its result. When ctx ends first the request is removed.
func (q *Queue) Submit(ctx context.Context, req *grid.SessionRequest) (*grid.CreateSessionResponse, error) {
	ch, err := q.Add(req)
	if err != nil {
		return nil, err
	}
	return q.Await(ctx, req.ID, ch)
}

// Await waits on the channel Add returned for id. When ctx ends first the request is
// removed.
func (q *Queue) Await(ctx context.Context, id grid.RequestID, ch <-chan grid.Result) (*grid.CreateSessionResponse, error) {
	select {
	case res := <-ch:
		return res.Response, res.Err
	case <-ctx.Done():
		if _, removed := q.Remove(id); removed {
			return nil, ctx.Err()
		}
		// lost the race with a completion; its result is already buffered
		res := <-ch
		return res.Response, res.Err
	}
}

// Retry puts a request that could not be served back in line. It returns false when
// the request is no longer tracked or its deadline has passed, in which case it is
// resolved as timed out.
func (q *Queue) Retry(req *grid.SessionRequest) bool {
	return q.RetryAfter(req, 0)
}

// RetryAfter is Retry for a request that must not be handed out again before delay has
// passed. The request is pending meanwhile, so the timeout sweep still covers it.
func (q *Queue) RetryAfter(req *grid.SessionRequest, delay time.Duration) bool {
	if req == nil {
		return false
	}

	q.mu.Lock()
	e, ok := q.entries[req.ID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	if e.pending {
		q.mu.Unlock()
		return true
	}
	if q.closed {
		q.finish(e, grid.Result{Err: grid.NewError(grid.ReasonQueueClosed, "queue closed while request %s was waiting", req.ID)})
		q.mu.Unlock()
		q.forget(req.ID)
		return false
	}
	now := q.clock.Now()
	if !now.Before(e.deadline) {
		q.finish(e, grid.Result{Err: q.timedOut(e)})
		q.mu.Unlock()
		metrics.QueueTimeoutsTotal.Inc()
		q.forget(req.ID)
		return false
	}
	e.attempts++
	e.notBefore = now.Add(max(delay, 0))
	q.insert(e)
	size := len(q.pending)
	q.mu.Unlock()

	metrics.QueueSize.Set(float64(size))
	log.Debug().Str("requestId", string(req.ID)).Int("attempt", e.attempts).Dur("delay", delay).Msg("queue: request retried")
	return true
}

// Attempts reports how many times the request has been retried.
func (q *Queue) Attempts(id grid.RequestID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		return e.attempts
	}
	return 0
}

// GetNextAvailable hands out pending requests, oldest first, that can run on one of
// the given stereotypes. Each stereotype's count is spent as requests are taken, so no
// more requests are returned for a stereotype than it has room for. Requests still in
// their retry backoff are skipped. Returned requests are in flight until completed,
// retried or removed.
func (q *Queue) GetNextAvailable(available []grid.StereotypeCapacity) []*grid.SessionRequest {
	counts := make([]int, len(available))
	left := 0
	for i, sc := range available {
		counts[i] = sc.Count
		left += max(sc.Count, 0)
	}

	q.mu.Lock()
	expired := q.evictExpired()
	now := q.clock.Now()
	var (
		taken []*grid.SessionRequest
		keep  = q.pending[:0]
	)
	for _, e := range q.pending {
		if left > 0 && !now.Before(e.notBefore) && claim(e.request.Capabilities, available, counts) {
			left--
			e.pending = false
			taken = append(taken, e.request)
			continue
		}
		keep = append(keep, e)
	}
	clear(q.pending[len(keep):])
	q.pending = keep
	size := len(q.pending)
	q.mu.Unlock()

	metrics.QueueSize.Set(float64(size))
	q.forget(expired...)
	return taken
}

func claim(alternatives []capabilities.Capabilities, available []grid.StereotypeCapacity, counts []int) bool {
	for _, want := range alternatives {
		for i, sc := range available {
			if counts[i] > 0 && capabilities.Matches(want, sc.Stereotype) {
				counts[i]--
				return true
			}
		}
	}
	return false
}

// Remove drops a pending or in-flight request and resolves its waiter. A second call
// for the same id returns false.
func (q *Queue) Remove(id grid.RequestID) (*grid.SessionRequest, bool) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return nil, false
	}
	q.finish(e, grid.Result{Err: grid.NewError(grid.ReasonRequestRemoved, "request %s removed", id)})
	size := len(q.pending)
	q.mu.Unlock()

	metrics.QueueSize.Set(float64(size))
	log.Debug().Str("requestId", string(id)).Msg("queue: request removed")
	q.forget(id)
	return e.request, true
}

// Complete resolves the request's waiter. Only the first call for an id succeeds.
func (q *Queue) Complete(id grid.RequestID, res grid.Result) bool {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	q.finish(e, res)
	size := len(q.pending)
	q.mu.Unlock()

	metrics.QueueSize.Set(float64(size))
	q.forget(id)
	return true
}

// ClearQueue fails every pending request. In-flight requests are left to finish.
func (q *Queue) ClearQueue() int {
	q.mu.Lock()
	cleared := make([]grid.RequestID, 0, len(q.pending))
	for _, e := range slices.Clone(q.pending) {
		q.finish(e, grid.Result{Err: grid.NewError(grid.ReasonQueueCleared, "queue cleared")})
		cleared = append(cleared, e.request.ID)
	}
	q.mu.Unlock()

	metrics.QueueSize.Set(0)
	if len(cleared) > 0 {
		log.Info().Int("count", len(cleared)).Msg("queue: cleared")
	}
	q.forget(cleared...)
	return len(cleared)
}

// PurgeTimedOut fails pending requests whose deadline has passed.
func (q *Queue) PurgeTimedOut() int {
	q.mu.Lock()
	expired := q.evictExpired()
	size := len(q.pending)
	q.mu.Unlock()

	metrics.QueueSize.Set(float64(size))
	q.forget(expired...)
	return len(expired)
}

// Run sweeps for timed out requests every retry interval until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := q.clock.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := q.PurgeTimedOut(); n > 0 {
				log.Info().Int("count", n).Msg("queue: evicted timed out requests")
			}
		}
	}
}

// Contents lists the pending requests in queue order.
func (q *Queue) Contents() []grid.SessionRequestCapability {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]grid.SessionRequestCapability, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, grid.SessionRequestCapability{
			ID:           e.request.ID,
			Capabilities: slices.Clone(e.request.Capabilities),
		})
	}
	return out
}

// Len is the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) IsReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

// Close stops accepting requests and fails the pending ones. In-flight requests may
// still complete.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	closed := make([]grid.RequestID, 0, len(q.pending))
	for _, e := range slices.Clone(q.pending) {
		q.finish(e, grid.Result{Err: grid.NewError(grid.ReasonQueueClosed, "queue closed")})
		closed = append(closed, e.request.ID)
	}
	q.mu.Unlock()

	metrics.QueueSize.Set(0)
	log.Info().Int("failed", len(closed)).Msg("queue: closed")
	q.forget(closed...)
}

// insert places e among pending entries by enqueue time. Caller holds q.mu.
func (q *Queue) insert(e *entry) {
	i, _ := slices.BinarySearchFunc(q.pending, e, func(a, b *entry) int {
		if c := a.request.EnqueuedAt.Compare(b.request.EnqueuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	q.pending = slices.Insert(q.pending, i, e)
	e.pending = true
}

// finish resolves e exactly once and stops tracking it. Caller holds q.mu.
func (q *Queue) finish(e *entry, res grid.Result) {
	delete(q.entries, e.request.ID)
	if e.pending {
		if i := slices.Index(q.pending, e); i >= 0 {
			q.pending = slices.Delete(q.pending, i, i+1)
		}
		e.pending = false
	}
	e.result <- res
	close(e.result)
}

// evictExpired times out pending entries past their deadline. Caller holds q.mu.
func (q *Queue) evictExpired() []grid.RequestID {
	now := q.clock.Now()
	var expired []grid.RequestID
	for _, e := range slices.Clone(q.pending) {
		if now.Before(e.deadline) {
			continue
		}
		q.finish(e, grid.Result{Err: q.timedOut(e)})
		expired = append(expired, e.request.ID)
		metrics.QueueTimeoutsTotal.Inc()
		log.Info().Str("requestId", string(e.request.ID)).Int("attempts", e.attempts).Msg("queue: request timed out")
	}
	return expired
}

func (q *Queue) timedOut(e *entry) error {
	return grid.NewError(grid.ReasonRequestTimedOut, "timed out creating session for request %s after %s", e.request.ID, q.timeout)
}

func (q *Queue) save(req *grid.SessionRequest) {
	if q.store == nil {
		return
	}
	if err := q.store.Save(context.Background(), string(req.ID), *req); err != nil {
		log.Warn().Err(err).Str("requestId", string(req.ID)).Msg("queue: failed to persist request")
	}
}

func (q *Queue) forget(ids ...grid.RequestID) {
	if q.store == nil {
		return
	}
	for _, id := range ids {
		if err := q.store.Remove(context.Background(), string(id)); err != nil {
			log.Warn().Err(err).Str("requestId", string(id)).Msg("queue: failed to drop persisted request")
		}
	}
}
