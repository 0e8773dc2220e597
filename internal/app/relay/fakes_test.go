package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/Krishnakrish77/api-lab/internal/domain/schema"
)

var errWriteFailed = errors.New("write on closed channel")

type fakeConn struct {
	id   string
	open atomic.Bool

	// closeAfterChecks flips the connection to closed once IsOpen has been
	// called that many times. Zero disables it.
	closeAfterChecks int32
	checks           atomic.Int32

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	c := &fakeConn{id: id}
	c.open.Store(true)
	return c
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) IsOpen() bool {
	n := c.checks.Add(1)
	if c.closeAfterChecks > 0 && n > c.closeAfterChecks {
		c.open.Store(false)
	}
	return c.open.Load()
}

func (c *fakeConn) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) close() { c.open.Store(false) }

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, msg := range c.sent {
		out[i] = string(msg)
	}
	return out
}

type fetchStep struct {
	result schema.FetchResult
	err    error
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	steps []fetchStep
}

// FetchSnapshot replays steps in order and repeats the last one.
func (f *fakeFetcher) FetchSnapshot(context.Context) (schema.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if len(f.steps) == 0 {
		return schema.Success(nil), nil
	}
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	step := f.steps[idx]
	return step.result, step.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// sequencedFetcher returns [{"seq":N}] for the Nth call.
type sequencedFetcher struct {
	calls atomic.Int32
}

func (f *sequencedFetcher) FetchSnapshot(context.Context) (schema.FetchResult, error) {
	n := f.calls.Add(1)
	return schema.Success([]json.RawMessage{json.RawMessage(fmt.Sprintf(`{"seq":%d}`, n))}), nil
}

type countingTrigger struct {
	mu       sync.Mutex
	triggers []Trigger
	reject   bool
}

func (c *countingTrigger) Trigger(trigger Trigger) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject {
		return false
	}
	c.triggers = append(c.triggers, trigger)
	return true
}

func (c *countingTrigger) snapshot() []Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Trigger(nil), c.triggers...)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
