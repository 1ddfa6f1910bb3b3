package metrics

import "sync"

// Event counter names used across the matchmaking core.
const (
	MatchStrictHit        = "match_strict_hit"
	MatchRelaxedHit       = "match_relaxed_hit"
	RoomsCreated          = "rooms_created"
	RoomsDisposed         = "rooms_disposed"
	AnswerRaceLost        = "answer_race_lost"
	CandidateWriteFailed  = "candidate_write_failed"
	DisposeFailed         = "dispose_failed"
	ReportsFiled          = "reports_filed"
	ChatMessagesSent      = "chat_messages_sent"
	ChatSendRateLimited   = "chat_send_rate_limited"
	SessionsConnected     = "sessions_connected"
	TransportFailures     = "transport_failures"
	StoreSnapshotsDropped = "store_snapshots_dropped"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists so the core stays observable without pulling a metrics SDK into
// every package; the store server exposes the counters in Prometheus' text
// format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) { m.Add(name, 1) }

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
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

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
