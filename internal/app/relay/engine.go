package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Krishnakrish77/api-lab/errs"
	"github.com/Krishnakrish77/api-lab/internal/domain/schema"
	"github.com/Krishnakrish77/api-lab/internal/infra/telemetry"
)

const (
	defaultFanoutWorkers = 8
	defaultWriteTimeout  = 5 * time.Second
)

// EngineConfig tunes cycle fan-out.
type EngineConfig struct {
	FanoutWorkers int
	WriteTimeout  time.Duration
}

func (c EngineConfig) normalize() EngineConfig {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = defaultFanoutWorkers
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// CycleReport summarises one broadcast cycle.
type CycleReport struct {
	ID         string
	Trigger    Trigger
	Kind       schema.ResultKind
	Recipients int
	Delivered  int
	Failed     int
	Skipped    int
	Duration   time.Duration
}

// Engine runs broadcast cycles: one fetch, one serialisation and a fan-out
// of the identical payload to every open connection.
type Engine struct {
	cfg      EngineConfig
	fetcher  Fetcher
	registry *Registry
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	closed bool
	cycles conc.WaitGroup

	cyclesCounter     metric.Int64Counter
	cycleDuration     metric.Float64Histogram
	fanoutHistogram   metric.Int64Histogram
	deliveriesCounter metric.Int64Counter
}

// NewEngine constructs an engine bound to registry and fetcher.
func NewEngine(cfg EngineConfig, fetcher Fetcher, registry *Registry, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	engine := new(Engine)
	engine.cfg = cfg.normalize()
	engine.fetcher = fetcher
	engine.registry = registry
	engine.logger = logger
	engine.ctx = ctx
	engine.cancel = cancel

	meter := otel.Meter("relay.engine")
	engine.cyclesCounter, _ = meter.Int64Counter("relay.cycles",
		metric.WithDescription("Number of broadcast cycles by trigger and outcome"),
		metric.WithUnit("{cycle}"))
	engine.cycleDuration, _ = meter.Float64Histogram("relay.cycle.duration",
		metric.WithDescription("Broadcast cycle duration including the upstream fetch"),
		metric.WithUnit("ms"))
	engine.fanoutHistogram, _ = meter.Int64Histogram("relay.fanout.size",
		metric.WithDescription("Number of connections enumerated per cycle"),
		metric.WithUnit("{connection}"))
	engine.deliveriesCounter, _ = meter.Int64Counter("relay.deliveries",
		metric.WithDescription("Number of per-connection sends by outcome"),
		metric.WithUnit("{message}"))

	return engine
}

// RunCycle performs one broadcast cycle synchronously. The fetcher is called
// exactly once; when it fails nothing is sent and the error is returned.
// Per-connection write failures deregister that connection and do not abort
// the fan-out.
func (e *Engine) RunCycle(ctx context.Context, trigger Trigger) (report CycleReport, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	report = CycleReport{ID: uuid.NewString(), Trigger: trigger}
	result := telemetry.ResultSuccess
	errorType := ""

	defer func() {
		report.Duration = time.Since(start)
		attrs := telemetry.CycleAttributes(telemetry.Environment(), trigger.String(), result)
		if errorType != "" {
			attrs = append(attrs, telemetry.AttrErrorType.String(errorType))
		}
		if e.cyclesCounter != nil {
			e.cyclesCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		if e.cycleDuration != nil {
			e.cycleDuration.Record(ctx, float64(report.Duration.Milliseconds()), metric.WithAttributes(attrs...))
		}
	}()

	fetched, err := e.fetcher.FetchSnapshot(ctx)
	if err != nil {
		result = telemetry.ResultError
		errorType = fetchErrorType(err)
		return report, fmt.Errorf("relay: fetch for %s cycle %s: %w", trigger, report.ID, err)
	}
	snapshot, err := schema.NewSnapshot(fetched)
	if err != nil {
		result = telemetry.ResultError
		errorType = "serialise"
		return report, fmt.Errorf("relay: serialise %s cycle %s: %w", trigger, report.ID, err)
	}
	report.Kind = snapshot.Kind

	var delivered, failed, skipped atomic.Int64
	p := concpool.New().WithMaxGoroutines(e.cfg.FanoutWorkers)
	for conn := range e.registry.Open() {
		report.Recipients++
		p.Go(func() {
			switch err := e.deliver(ctx, conn, snapshot.Payload); {
			case err == nil:
				delivered.Add(1)
			case errors.Is(err, errConnClosed):
				skipped.Add(1)
			default:
				failed.Add(1)
				e.logger.Printf("relay: cycle %s send to %s failed: %v", report.ID, conn.ID(), err)
				e.registry.Deregister(conn)
			}
		})
	}
	p.Wait()

	report.Delivered = int(delivered.Load())
	report.Failed = int(failed.Load())
	report.Skipped = int(skipped.Load())
	e.recordFanout(ctx, report)
	return report, nil
}

var errConnClosed = errors.New("connection closed before write")

func fetchErrorType(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Code != "" {
		return string(e.Code)
	}
	return "unknown"
}

func (e *Engine) deliver(ctx context.Context, conn Conn, payload []byte) error {
	// The channel may have closed since enumeration.
	if !conn.IsOpen() {
		return errConnClosed
	}
	writeCtx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()
	return conn.Send(writeCtx, payload)
}

func (e *Engine) recordFanout(ctx context.Context, report CycleReport) {
	env := telemetry.Environment()
	trigger := report.Trigger.String()
	if e.fanoutHistogram != nil {
		e.fanoutHistogram.Record(ctx, int64(report.Recipients), metric.WithAttributes(
			telemetry.EnvironmentAttribute(),
			telemetry.AttrTrigger.String(trigger),
			telemetry.AttrResultKind.String(report.Kind.String())))
	}
	if e.deliveriesCounter == nil {
		return
	}
	for result, n := range map[string]int{
		telemetry.ResultSuccess: report.Delivered,
		telemetry.ResultError:   report.Failed,
		telemetry.ResultSkipped: report.Skipped,
	} {
		if n > 0 {
			e.deliveriesCounter.Add(ctx, int64(n),
				metric.WithAttributes(telemetry.CycleAttributes(env, trigger, result)...))
		}
	}
}

// Trigger starts a cycle in the background and returns immediately. Cycles
// may overlap; each is tracked until it completes. It reports false once the
// engine is closed.
func (e *Engine) Trigger(trigger Trigger) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	e.cycles.Go(func() {
		report, err := e.RunCycle(e.ctx, trigger)
		if err != nil {
			e.logger.Printf("relay: %s cycle aborted: %v", trigger, err)
			return
		}
		if report.Failed > 0 {
			e.logger.Printf("relay: %s cycle %s delivered %d/%d (%d failed)",
				trigger, report.ID, report.Delivered, report.Recipients, report.Failed)
		}
	})
	return true
}

// Wait blocks until every in-flight cycle has finished.
func (e *Engine) Wait() {
	e.cycles.Wait()
}

// Close stops accepting cycles and waits for in-flight ones. Cycles still
// running when ctx expires are cancelled.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.cycles.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return fmt.Errorf("relay: drain cycles: %w", ctx.Err())
	}
}
