package relay

import (
	"context"
	"iter"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Krishnakrish77/api-lab/internal/infra/telemetry"
)

// Registry holds the set of connections eligible for broadcast. It keeps
// non-owning references keyed by connection ID.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn

	connectionsGauge metric.Int64UpDownCounter
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	registry := &Registry{conns: make(map[string]Conn)}

	meter := otel.Meter("relay.registry")
	registry.connectionsGauge, _ = meter.Int64UpDownCounter("relay.connections",
		metric.WithDescription("Number of registered relay connections"),
		metric.WithUnit("{connection}"))
	return registry
}

// Register adds conn. Registering the same ID twice is a no-op; the return
// value reports whether the connection was added.
func (r *Registry) Register(conn Conn) bool {
	if conn == nil {
		return false
	}
	id := conn.ID()

	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return false
	}
	r.conns[id] = conn
	r.mu.Unlock()

	r.recordDelta(1)
	return true
}

// Deregister removes conn. Removing an absent connection has no effect.
func (r *Registry) Deregister(conn Conn) bool {
	if conn == nil {
		return false
	}
	id := conn.ID()

	r.mu.Lock()
	if _, exists := r.conns[id]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	r.mu.Unlock()

	r.recordDelta(-1)
	return true
}

// Len returns the number of registered connections, open or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Open yields the registered connections whose channel currently reports
// open. Membership is captured when iteration starts, so the sequence is
// finite and may be ranged over again to observe later changes.
func (r *Registry) Open() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		for _, conn := range r.snapshot() {
			if !conn.IsOpen() {
				continue
			}
			if !yield(conn) {
				return
			}
		}
	}
}

// CountOpen returns the number of connections Open would currently yield.
func (r *Registry) CountOpen() int {
	n := 0
	for range r.Open() {
		n++
	}
	return n
}

func (r *Registry) snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (r *Registry) recordDelta(delta int64) {
	if r.connectionsGauge == nil {
		return
	}
	r.connectionsGauge.Add(context.Background(), delta,
		metric.WithAttributes(telemetry.EnvironmentAttribute()))
}
