package datafeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fedgate/internal/errs"
)

type readCall struct {
	consumer string
	start    string
}

// fakeStream replays scripted XREADGROUP results, then blocks until ctx is done.
type fakeStream struct {
	mu       sync.Mutex
	groupErr error
	groups   int
	script   [][]redis.XMessage
	reads    []readCall
	acked    []string
	added    []map[string]any
}

var _ StreamClient = (*fakeStream)(nil)

func (f *fakeStream) XGroupCreateMkStream(_ context.Context, _, _, _ string) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups++
	return redis.NewStatusResult("OK", f.groupErr)
}

func (f *fakeStream) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	f.reads = append(f.reads, readCall{consumer: a.Consumer, start: a.Streams[1]})
	if len(f.script) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return redis.NewXStreamSliceCmdResult(nil, ctx.Err())
	}
	msgs := f.script[0]
	f.script = f.script[1:]
	f.mu.Unlock()
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: msgs}}, nil)
}

func (f *fakeStream) XAck(_ context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, a.Values.(map[string]any))
	return redis.NewStringResult(fmt.Sprintf("%d-0", len(f.added)), nil)
}

func (f *fakeStream) snapshot() ([]readCall, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]readCall(nil), f.reads...), append([]string(nil), f.acked...)
}

// scriptedHandler returns queued errors per envelope, then nil.
type scriptedHandler struct {
	mu    sync.Mutex
	errs  map[string][]error
	calls map[string]int
}

func (h *scriptedHandler) Consume(_ context.Context, raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := string(raw)
	h.calls[k]++
	if q := h.errs[k]; len(q) > 0 {
		h.errs[k] = q[1:]
		return q[0]
	}
	return nil
}

func entry(id, envelope string) redis.XMessage {
	return redis.XMessage{ID: id, Values: map[string]any{"envelope": envelope}}
}

func TestRedisStream_AckPolicy(t *testing.T) {
	t.Parallel()

	fs := &fakeStream{script: [][]redis.XMessage{
		{}, // nothing pending from a previous run
		{entry("1-0", "good"), entry("2-0", "malformed"), entry("3-0", "flaky"), {ID: "4-0", Values: map[string]any{"other": "x"}}},
		{entry("3-0", "flaky")}, // pending re-read
		{},                      // pending drained
	}}
	h := &scriptedHandler{
		errs: map[string][]error{
			"malformed": {fmt.Errorf("%w: outer", errs.ErrEnvelopeParse)},
			"flaky":     {errors.New("context deadline exceeded")},
		},
		calls: map[string]int{},
	}
	rs := NewRedisStream(fs, h, StreamConfig{Stream: "feed", Group: "gw", Consumer: "gw", Backoff: time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rs.Run(ctx) }()

	require.Eventually(t, func() bool {
		reads, _ := fs.snapshot()
		return len(reads) == 5
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	reads, acked := fs.snapshot()
	starts := make([]string, 0, len(reads))
	for _, r := range reads {
		require.Equal(t, "gw-0", r.consumer)
		starts = append(starts, r.start)
	}
	require.Equal(t, []string{"0", ">", "0", "0", ">"}, starts)
	require.Equal(t, []string{"1-0", "2-0", "4-0", "3-0"}, acked)
	require.Equal(t, 2, h.calls["flaky"])
	require.Equal(t, 1, h.calls["malformed"], "malformed envelopes are not redelivered")
}

func TestRedisStream_Workers(t *testing.T) {
	t.Parallel()

	fs := &fakeStream{groupErr: errors.New("BUSYGROUP Consumer Group name already exists")}
	h := &scriptedHandler{calls: map[string]int{}}
	rs := NewRedisStream(fs, h, StreamConfig{Stream: "feed", Group: "gw", Consumer: "node", Workers: 3}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rs.Run(ctx) }()

	require.Eventually(t, func() bool {
		reads, _ := fs.snapshot()
		return len(reads) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	reads, _ := fs.snapshot()
	names := map[string]bool{}
	for _, r := range reads {
		names[r.consumer] = true
	}
	require.Equal(t, map[string]bool{"node-0": true, "node-1": true, "node-2": true}, names)
	require.Equal(t, 1, fs.groups)
}

func TestRedisStream_GroupCreateFails(t *testing.T) {
	t.Parallel()
	fs := &fakeStream{groupErr: errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")}
	rs := NewRedisStream(fs, &scriptedHandler{calls: map[string]int{}}, StreamConfig{Stream: "feed", Group: "gw", Consumer: "node"}, nil)

	require.Error(t, rs.Run(context.Background()))
}

func TestRedisStream_Publish(t *testing.T) {
	t.Parallel()
	fs := &fakeStream{}
	rs := NewRedisStream(fs, nil, StreamConfig{Stream: "feed", Group: "gw"}, nil)

	id, err := rs.Publish(context.Background(), []byte(`{"id":"e1"}`))
	require.NoError(t, err)
	require.Equal(t, "1-0", id)
	require.Equal(t, []map[string]any{{"envelope": `{"id":"e1"}`}}, fs.added)
}

// Consumer and transport together: a malformed envelope is acked, a good one dispatched.
func TestRedisStream_WithConsumer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	good := string(envelope(t, PayloadPlatformEvent, nil, PlatformEvent{Event: EventCreateRoom, StreamID: "R1"}))
	fs := &fakeStream{script: [][]redis.XMessage{{}, {entry("1-0", "{"), entry("2-0", good)}}}
	rs := NewRedisStream(fs, f.c, StreamConfig{Stream: "feed", Group: "gw", Consumer: "gw"}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rs.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, acked := fs.snapshot()
		return len(acked) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Len(t, f.events.all(), 1)
}
