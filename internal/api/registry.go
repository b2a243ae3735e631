package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/victornm/classquiz/internal/coordinator"
)

const defaultIdleTTL = 30 * time.Minute

type RegistryConfig struct {
	// New builds the coordinator of a newly registered client.
	New     func() *coordinator.Coordinator
	IdleTTL time.Duration
	Now     func() time.Time
	// Clients, if set, tracks the number of registered clients.
	Clients prometheus.Gauge
}

// Registry hosts one coordinator per client. Clients that stay idle longer than the TTL are
// closed by Sweep.
type Registry struct {
	newCoordinator func() *coordinator.Coordinator
	ttl            time.Duration
	now            func() time.Time
	gauge          prometheus.Gauge

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	co       *coordinator.Coordinator
	lastSeen time.Time
}

func NewRegistry(c RegistryConfig) *Registry {
	r := &Registry{
		newCoordinator: c.New,
		ttl:            c.IdleTTL,
		now:            c.Now,
		gauge:          c.Clients,
		clients:        make(map[string]*client),
	}

	if r.ttl <= 0 {
		r.ttl = defaultIdleTTL
	}
	if r.now == nil {
		r.now = time.Now
	}

	return r
}

// Create registers a new client and returns its id.
func (r *Registry) Create() (string, *coordinator.Coordinator) {
	id := uuid.NewString()
	co := r.newCoordinator()

	r.mu.Lock()
	r.clients[id] = &client{co: co, lastSeen: r.now()}
	n := len(r.clients)
	r.mu.Unlock()

	r.observe(n)

	return id, co
}

// Get returns the client's coordinator and marks the client as seen.
func (r *Registry) Get(id string) (*coordinator.Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cl, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	cl.lastSeen = r.now()

	return cl.co, true
}

// Remove closes and forgets a client.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	cl, ok := r.clients[id]
	delete(r.clients, id)
	n := len(r.clients)
	r.mu.Unlock()

	if !ok {
		return false
	}

	cl.co.Close()
	r.observe(n)

	return true
}

// Sweep closes clients idle for longer than the TTL and returns how many were closed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var idle []*client
	for id, cl := range r.clients {
		if cl.lastSeen.Before(cutoff) {
			idle = append(idle, cl)
			delete(r.clients, id)
		}
	}
	n := len(r.clients)
	r.mu.Unlock()

	for _, cl := range idle {
		cl.co.Close()
	}
	r.observe(n)

	return len(idle)
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.ttl / 2)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(); n > 0 {
				slog.InfoContext(ctx, "api: closed idle clients", "count", n)
			}
		}
	}
}

// Close closes every client.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*client)
	r.mu.Unlock()

	for _, cl := range clients {
		cl.co.Close()
	}
	r.observe(0)
}

func (r *Registry) observe(n int) {
	if r.gauge != nil {
		r.gauge.Set(float64(n))
	}
}
