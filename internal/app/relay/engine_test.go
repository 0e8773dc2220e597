package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Krishnakrish77/api-lab/errs"
	"github.com/Krishnakrish77/api-lab/internal/domain/schema"
	"github.com/Krishnakrish77/api-lab/internal/infra/telemetry"
)

func newTestEngine(fetcher Fetcher, registry *Registry) *Engine {
	return NewEngine(EngineConfig{FanoutWorkers: 4, WriteTimeout: time.Second}, fetcher, registry, discardLogger())
}

func TestRunCycleDeliversIdenticalPayload(t *testing.T) {
	registry := NewRegistry()
	conns := []*fakeConn{newFakeConn("a"), newFakeConn("b"), newFakeConn("c")}
	for _, c := range conns {
		registry.Register(c)
	}
	fetcher := &fakeFetcher{steps: []fetchStep{{
		result: schema.Success([]json.RawMessage{json.RawMessage(`{"match":"X"}`)}),
	}}}
	engine := newTestEngine(fetcher, registry)

	report, err := engine.RunCycle(context.Background(), TriggerTimer)
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.callCount())
	require.Equal(t, 3, report.Recipients)
	require.Equal(t, 3, report.Delivered)
	require.Zero(t, report.Failed)
	require.Equal(t, schema.ResultSuccess, report.Kind)
	require.NotEmpty(t, report.ID)

	for _, c := range conns {
		msgs := c.messages()
		require.Len(t, msgs, 1)
		require.JSONEq(t, `[{"match":"X"}]`, msgs[0])
		require.Equal(t, conns[0].messages()[0], msgs[0])
	}
}

func TestRunCyclePassthroughPayload(t *testing.T) {
	registry := NewRegistry()
	a := newFakeConn("a")
	registry.Register(a)
	body := `{"status":"error","message":"rate limited"}`
	fetcher := &fakeFetcher{steps: []fetchStep{{result: schema.Passthrough(json.RawMessage(body))}}}
	engine := newTestEngine(fetcher, registry)

	report, err := engine.RunCycle(context.Background(), TriggerRefresh)
	require.NoError(t, err)
	require.Equal(t, schema.ResultPassthrough, report.Kind)
	require.Len(t, a.messages(), 1)
	require.JSONEq(t, body, a.messages()[0])
}

func TestRunCycleFetchFailureSendsNothing(t *testing.T) {
	registry := NewRegistry()
	a := newFakeConn("a")
	b := newFakeConn("b")
	registry.Register(a)
	registry.Register(b)
	fetchErr := errs.New("upstream", errs.CodeNetwork, errs.WithMessage("connection refused"))
	fetcher := &fakeFetcher{steps: []fetchStep{
		{err: fetchErr},
		{result: schema.Success([]json.RawMessage{json.RawMessage(`{"match":"Y"}`)})},
	}}
	engine := newTestEngine(fetcher, registry)

	_, err := engine.RunCycle(context.Background(), TriggerTimer)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeNetwork))
	require.Empty(t, a.messages())
	require.Empty(t, b.messages())
	require.Equal(t, 2, registry.Len())

	report, err := engine.RunCycle(context.Background(), TriggerRefresh)
	require.NoError(t, err)
	require.Equal(t, 2, report.Delivered)
	require.JSONEq(t, `[{"match":"Y"}]`, a.messages()[0])
	require.JSONEq(t, `[{"match":"Y"}]`, b.messages()[0])
	require.Equal(t, 2, fetcher.callCount())
}

func TestRunCycleUnmarshalableResultSendsNothing(t *testing.T) {
	registry := NewRegistry()
	a := newFakeConn("a")
	registry.Register(a)
	engine := newTestEngine(&fakeFetcher{steps: []fetchStep{{result: schema.FetchResult{}}}}, registry)

	_, err := engine.RunCycle(context.Background(), TriggerTimer)
	require.Error(t, err)
	require.Empty(t, a.messages())
}

func TestRunCycleWriteFailureDoesNotAbortFanout(t *testing.T) {
	registry := NewRegistry()
	a := newFakeConn("a")
	broken := newFakeConn("broken")
	broken.sendErr = errWriteFailed
	c := newFakeConn("c")
	for _, conn := range []*fakeConn{a, broken, c} {
		registry.Register(conn)
	}
	engine := newTestEngine(&fakeFetcher{}, registry)

	report, err := engine.RunCycle(context.Background(), TriggerTimer)
	require.NoError(t, err)
	require.Equal(t, 3, report.Recipients)
	require.Equal(t, 2, report.Delivered)
	require.Equal(t, 1, report.Failed)
	require.Len(t, a.messages(), 1)
	require.Len(t, c.messages(), 1)
	require.ElementsMatch(t, []string{"a", "c"}, collectIDs(registry))
}

func TestRunCycleSkipsConnectionClosedAfterEnumeration(t *testing.T) {
	registry := NewRegistry()
	a := newFakeConn("a")
	closing := newFakeConn("closing")
	closing.closeAfterChecks = 1
	registry.Register(a)
	registry.Register(closing)
	engine := newTestEngine(&fakeFetcher{}, registry)

	report, err := engine.RunCycle(context.Background(), TriggerTimer)
	require.NoError(t, err)
	require.Equal(t, 2, report.Recipients)
	require.Equal(t, 1, report.Delivered)
	require.Equal(t, 1, report.Skipped)
	require.Empty(t, closing.messages())
}

func TestRunCycleWithEmptyRegistryStillFetches(t *testing.T) {
	registry := NewRegistry()
	a := newFakeConn("a")
	registry.Register(a)
	registry.Deregister(a)
	fetcher := &fakeFetcher{}
	engine := newTestEngine(fetcher, registry)

	report, err := engine.RunCycle(context.Background(), TriggerTimer)
	require.NoError(t, err)
	require.Zero(t, report.Recipients)
	require.Empty(t, a.messages())
	require.Equal(t, 1, fetcher.callCount())
}

func TestTriggerRunsCyclesInBackground(t *testing.T) {
	registry := NewRegistry()
	a := newFakeConn("a")
	registry.Register(a)
	engine := newTestEngine(&sequencedFetcher{}, registry)

	require.True(t, engine.Trigger(TriggerTimer))
	require.True(t, engine.Trigger(TriggerRefresh))
	engine.Wait()

	require.Len(t, a.messages(), 2)
	require.ElementsMatch(t, []string{`[{"seq":1}]`, `[{"seq":2}]`}, a.messages())
}

func TestTriggerAfterCloseIsRejected(t *testing.T) {
	engine := newTestEngine(&fakeFetcher{}, NewRegistry())
	require.NoError(t, engine.Close(context.Background()))
	require.False(t, engine.Trigger(TriggerTimer))
	require.NoError(t, engine.Close(context.Background()))
}

type blockingFetcher struct {
	started chan struct{}
}

func (f *blockingFetcher) FetchSnapshot(ctx context.Context) (schema.FetchResult, error) {
	close(f.started)
	<-ctx.Done()
	return schema.FetchResult{}, ctx.Err()
}

func TestCloseCancelsCyclesAfterDeadline(t *testing.T) {
	fetcher := &blockingFetcher{started: make(chan struct{})}
	engine := newTestEngine(fetcher, NewRegistry())
	require.True(t, engine.Trigger(TriggerTimer))
	<-fetcher.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := engine.Close(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRunCycleRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	registry := NewRegistry()
	registry.Register(newFakeConn("a"))
	fetcher := &fakeFetcher{steps: []fetchStep{
		{err: errors.New("boom")},
		{err: fmt.Errorf("wrapped: %w", errs.New("upstream", errs.CodeNetwork))},
		{result: schema.Success(nil)},
	}}
	engine := newTestEngine(fetcher, registry)

	_, err := engine.RunCycle(context.Background(), TriggerTimer)
	require.Error(t, err)
	_, err = engine.RunCycle(context.Background(), TriggerTimer)
	require.Error(t, err)
	_, err = engine.RunCycle(context.Background(), TriggerTimer)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	require.Equal(t, int64(2), sumCounter(t, rm, "relay.cycles", telemetry.ResultError))
	require.Equal(t, int64(1), sumCounterByAttr(t, rm, "relay.cycles", telemetry.AttrErrorType, "unknown"))
	require.Equal(t, int64(1), sumCounterByAttr(t, rm, "relay.cycles", telemetry.AttrErrorType, string(errs.CodeNetwork)))
	require.Equal(t, int64(1), sumCounter(t, rm, "relay.cycles", telemetry.ResultSuccess))
	require.Equal(t, int64(1), sumCounter(t, rm, "relay.deliveries", telemetry.ResultSuccess))
}

func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name, result string) int64 {
	t.Helper()
	return sumCounterByAttr(t, rm, name, telemetry.AttrResult, result)
}

func sumCounterByAttr(t *testing.T, rm metricdata.ResourceMetrics, name string, key attribute.Key, want string) int64 {
	t.Helper()
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(key); ok && v.AsString() == want {
					total += dp.Value
				}
			}
		}
	}
	return total
}
