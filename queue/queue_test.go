package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grid-distributor/capabilities"
	"grid-distributor/grid"
	"grid-distributor/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func caps(browser string) capabilities.Capabilities {
	return capabilities.New(map[string]any{"browserName": browser})
}

func request(id, browser string) *grid.SessionRequest {
	return &grid.SessionRequest{
		ID:           grid.RequestID(id),
		Capabilities: []capabilities.Capabilities{caps(browser)},
	}
}

func stereotypes(pairs ...any) []grid.StereotypeCapacity {
	var out []grid.StereotypeCapacity
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, grid.StereotypeCapacity{Stereotype: caps(pairs[i].(string)), Count: pairs[i+1].(int)})
	}
	return out
}

func ids(reqs []*grid.SessionRequest) []grid.RequestID {
	out := make([]grid.RequestID, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.ID)
	}
	return out
}

func newQueue(t *testing.T, timeout time.Duration) (*Queue, *testingclock.FakeClock) {
	t.Helper()
	fc := testingclock.NewFakeClock(t0)
	return New(Options{RequestTimeout: timeout, RetryInterval: time.Second, Clock: fc}), fc
}

func add(t *testing.T, q *Queue, req *grid.SessionRequest) <-chan grid.Result {
	t.Helper()
	ch, err := q.Add(req)
	require.NoError(t, err)
	return ch
}

func TestNew_Defaults(t *testing.T) {
	q := New(Options{RequestTimeout: -1, RetryInterval: 0})
	assert.Equal(t, DefaultRequestTimeout, q.timeout)
	assert.Equal(t, DefaultRetryInterval, q.interval)
	assert.True(t, q.IsReady())
}

func TestAdd(t *testing.T) {
	q, _ := newQueue(t, time.Minute)

	req := request("", "chrome")
	add(t, q, req)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, t0, req.EnqueuedAt)

	_, err := q.Add(&grid.SessionRequest{ID: req.ID, Capabilities: req.Capabilities})
	assert.Error(t, err, "duplicate id")

	_, err = q.Add(&grid.SessionRequest{})
	assert.ErrorIs(t, err, grid.ErrMalformedRequest)
	assert.Equal(t, 1, q.Len())
}

func TestGetNextAvailable_FIFOWithinStereotype(t *testing.T) {
	q, fc := newQueue(t, time.Hour)
	for i := 0; i < 5; i++ {
		add(t, q, request(fmt.Sprint("r", i), "chrome"))
		fc.Step(time.Millisecond)
	}

	got := q.GetNextAvailable(stereotypes("chrome", 2))
	assert.Equal(t, []grid.RequestID{"r0", "r1"}, ids(got))
	got = q.GetNextAvailable(stereotypes("chrome", 10))
	assert.Equal(t, []grid.RequestID{"r2", "r3", "r4"}, ids(got))
	assert.Empty(t, q.GetNextAvailable(stereotypes("chrome", 10)))
}

func TestGetNextAvailable_StereotypeScoped(t *testing.T) {
	q, fc := newQueue(t, time.Hour)
	add(t, q, request("c1", "chrome"))
	fc.Step(time.Millisecond)
	add(t, q, request("c2", "chrome"))
	fc.Step(time.Millisecond)
	add(t, q, request("f1", "firefox"))

	// the rare request is not stuck behind chrome requests that cannot run
	got := q.GetNextAvailable(stereotypes("chrome", 1, "firefox", 1))
	assert.Equal(t, []grid.RequestID{"c1", "f1"}, ids(got))
	assert.Equal(t, []grid.SessionRequestCapability{{ID: "c2", Capabilities: []capabilities.Capabilities{caps("chrome")}}}, q.Contents())
}

func TestGetNextAvailable_AlternativesAndZeroCounts(t *testing.T) {
	q, _ := newQueue(t, time.Hour)
	add(t, q, &grid.SessionRequest{ID: "r1", Capabilities: []capabilities.Capabilities{caps("safari"), caps("firefox")}})

	assert.Empty(t, q.GetNextAvailable(nil))
	assert.Empty(t, q.GetNextAvailable(stereotypes("firefox", 0)))
	assert.Equal(t, []grid.RequestID{"r1"}, ids(q.GetNextAvailable(stereotypes("chrome", 1, "firefox", 1))))
}

func TestComplete_ExactlyOnce(t *testing.T) {
	q, _ := newQueue(t, time.Hour)
	ch := add(t, q, request("r1", "chrome"))
	q.GetNextAvailable(stereotypes("chrome", 1))

	resp := &grid.CreateSessionResponse{SessionID: "s1"}
	assert.True(t, q.Complete("r1", grid.Result{Response: resp}))
	assert.False(t, q.Complete("r1", grid.Result{Err: grid.ErrDelegationFailed}))

	res, ok := <-ch
	require.True(t, ok)
	assert.Same(t, resp, res.Response)
	_, ok = <-ch
	assert.False(t, ok, "waiter resolved exactly once")
}

func TestComplete_Concurrent(t *testing.T) {
	q, _ := newQueue(t, time.Hour)
	add(t, q, request("r1", "chrome"))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Complete("r1", grid.Result{Response: &grid.CreateSessionResponse{}}) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRemove_Idempotent(t *testing.T) {
	q, _ := newQueue(t, time.Hour)
	ch := add(t, q, request("r1", "chrome"))

	got, ok := q.Remove("r1")
	require.True(t, ok)
	assert.Equal(t, grid.RequestID("r1"), got.ID)
	_, ok = q.Remove("r1")
	assert.False(t, ok)

	res := <-ch
	assert.ErrorIs(t, res.Err, grid.ErrRequestRemoved)
	assert.False(t, q.Complete("r1", grid.Result{}), "complete after remove is a no-op")
	assert.Equal(t, 0, q.Len())
}

func TestRemove_InFlight(t *testing.T) {
	q, _ := newQueue(t, time.Hour)
	add(t, q, request("r1", "chrome"))
	require.Len(t, q.GetNextAvailable(stereotypes("chrome", 1)), 1)

	_, ok := q.Remove("r1")
	assert.True(t, ok)
	assert.False(t, q.Retry(request("r1", "chrome")))
}

func TestRetry(t *testing.T) {
	q, fc := newQueue(t, time.Minute)
	add(t, q, request("old", "chrome"))
	fc.Step(time.Second)
	add(t, q, request("new", "chrome"))

	taken := q.GetNextAvailable(stereotypes("chrome", 1))
	require.Equal(t, []grid.RequestID{"old"}, ids(taken))

	assert.True(t, q.Retry(taken[0]))
	assert.True(t, q.Retry(taken[0]), "already pending")
	assert.Equal(t, 1, q.Attempts("old"))

	// back in enqueue order, ahead of the newer request
	assert.Equal(t, []grid.RequestID{"old"}, ids(q.GetNextAvailable(stereotypes("chrome", 1))))
	assert.False(t, q.Retry(request("unknown", "chrome")))
	assert.False(t, q.Retry(nil))
}

func TestRetry_PastDeadline(t *testing.T) {
	q, fc := newQueue(t, time.Minute)
	ch := add(t, q, request("r1", "chrome"))
	taken := q.GetNextAvailable(stereotypes("chrome", 1))
	require.Len(t, taken, 1)

	fc.Step(time.Minute)
	assert.False(t, q.Retry(taken[0]))
	res := <-ch
	assert.ErrorIs(t, res.Err, grid.ErrRequestTimedOut)
}

func TestRetryAfter_HeldBackButStillEvictable(t *testing.T) {
	q, fc := newQueue(t, 30*time.Second)
	ch := add(t, q, request("r1", "chrome"))
	taken := q.GetNextAvailable(stereotypes("chrome", 1))
	require.Len(t, taken, 1)

	require.True(t, q.RetryAfter(taken[0], 10*time.Second))
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, q.GetNextAvailable(stereotypes("chrome", 1)), "backoff not over yet")

	fc.Step(10 * time.Second)
	taken = q.GetNextAvailable(stereotypes("chrome", 1))
	require.Len(t, taken, 1)

	require.True(t, q.RetryAfter(taken[0], time.Minute))
	fc.Step(20 * time.Second)
	assert.Equal(t, 1, q.PurgeTimedOut(), "a request in backoff is evicted at its deadline")
	res := <-ch
	assert.ErrorIs(t, res.Err, grid.ErrRequestTimedOut)
}

func TestPurgeTimedOut(t *testing.T) {
	q, fc := newQueue(t, time.Second)
	expiring := add(t, q, request("r1", "chrome"))
	fc.Step(500 * time.Millisecond)
	add(t, q, request("r2", "chrome"))
	add(t, q, request("inflight", "firefox"))
	q.GetNextAvailable(stereotypes("firefox", 1))

	fc.Step(500 * time.Millisecond)
	assert.Equal(t, 1, q.PurgeTimedOut())
	res := <-expiring
	assert.ErrorIs(t, res.Err, grid.ErrRequestTimedOut)
	assert.NotErrorIs(t, res.Err, grid.ErrMalformedRequest)

	fc.Step(time.Second)
	assert.Equal(t, 1, q.PurgeTimedOut(), "in-flight requests are not evicted")
	assert.True(t, q.Complete("inflight", grid.Result{}))
}

func TestRun_EvictsWithinOneTick(t *testing.T) {
	q, fc := newQueue(t, time.Second)
	ch := add(t, q, request("r1", "chrome"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(time.Second)

	select {
	case res := <-ch:
		assert.ErrorIs(t, res.Err, grid.ErrRequestTimedOut)
	case <-time.After(time.Second):
		t.Fatal("request was not evicted")
	}
}

func TestClearQueue(t *testing.T) {
	q, _ := newQueue(t, time.Hour)
	a := add(t, q, request("a", "chrome"))
	b := add(t, q, request("b", "chrome"))
	add(t, q, request("inflight", "firefox"))
	q.GetNextAvailable(stereotypes("firefox", 1))

	assert.Equal(t, 2, q.ClearQueue())
	for _, ch := range []<-chan grid.Result{a, b} {
		res := <-ch
		assert.ErrorIs(t, res.Err, grid.ErrQueueCleared)
	}
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.ClearQueue())
	assert.True(t, q.Complete("inflight", grid.Result{}))
}

func TestClose(t *testing.T) {
	q, _ := newQueue(t, time.Hour)
	pending := add(t, q, request("a", "chrome"))
	add(t, q, request("inflight", "firefox"))
	taken := q.GetNextAvailable(stereotypes("firefox", 1))

	q.Close()
	q.Close()
	assert.False(t, q.IsReady())
	res := <-pending
	assert.ErrorIs(t, res.Err, grid.ErrQueueClosed)

	_, err := q.Add(request("late", "chrome"))
	assert.ErrorIs(t, err, grid.ErrQueueClosed)
	assert.False(t, q.Retry(taken[0]))
}

func TestSubmit(t *testing.T) {
	q, _ := newQueue(t, time.Hour)
	req := request("r1", "chrome")

	done := make(chan error, 1)
	go func() {
		resp, err := q.Submit(context.Background(), req)
		if err == nil && resp.SessionID != "s1" {
			err = fmt.Errorf("unexpected session %q", resp.SessionID)
		}
		done <- err
	}()

	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)
	require.True(t, q.Complete("r1", grid.Result{Response: &grid.CreateSessionResponse{SessionID: "s1"}}))
	require.NoError(t, <-done)
}

func TestSubmit_CanceledRemoves(t *testing.T) {
	q, _ := newQueue(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, request("r1", "chrome"))
		done <- err
	}()
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Complete("r1", grid.Result{}))
}

func TestStore_TracksLifetime(t *testing.T) {
	store := storage.NewMemory[grid.SessionRequest]()
	q := New(Options{RequestTimeout: time.Hour, Clock: testingclock.NewFakeClock(t0), Store: store})

	add(t, q, request("r1", "chrome"))
	got, err := store.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, grid.RequestID("r1"), got.ID)

	q.Complete("r1", grid.Result{})
	assert.Equal(t, 0, store.Count())
}
