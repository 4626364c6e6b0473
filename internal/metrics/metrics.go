package metrics

import "sync"

// Relay event names.
const (
	ConnectionsAccepted = "connections_accepted"
	OriginRejected      = "origin_rejected"
	Joins               = "joins"
	Leaves              = "leaves"
	Disconnects         = "disconnects"
	MessagesForwarded   = "messages_forwarded"
	UnknownTarget       = "unknown_target"
	RoomFull            = "room_full"
	BadMessage          = "bad_message"
	IdleTimeout         = "idle_timeout"

	DropReasonRateLimited = "rate_limited"
	DropReasonTooLarge    = "message_too_large"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil registry so callers can leave metrics unconfigured.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
