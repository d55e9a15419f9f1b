// ABOUTME: In-memory registry of live call sessions keyed by call-control id
// ABOUTME: Sessions hold identifiers, timing, state, and the ordered transcript turns

package calls

import (
	"sort"
	"sync"
	"time"

	"github.com/2389/mission-control/internal/metrics"
)

// State is where a call is in its dialogue.
type State string

const (
	StateInitiated  State = "initiated"
	StateAnswered   State = "answered"
	StateGathering  State = "gathering"
	StateResponding State = "responding"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// Speakers
const (
	SpeakerCaller = "caller"
	SpeakerAgent  = "agent"
)

// Turn is one spoken line.
type Turn struct {
	Speaker string
	Text    string
	At      time.Time
}

// Session is one live call.
type Session struct {
	CallID       string
	LogID        string
	ContactID    string
	CallerNumber string
	StartedAt    time.Time

	// exchange serializes gather/respond cycles for this call only.
	exchange sync.Mutex

	mu         sync.Mutex
	state      State
	answeredAt time.Time
	turns      []Turn
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Turns returns a copy of the transcript so far.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// Info is a read-only view of a session for status reporting.
type Info struct {
	CallID       string    `json:"call_id"`
	LogID        string    `json:"log_id"`
	CallerNumber string    `json:"caller_number"`
	State        State     `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	Turns        int       `json:"turns"`
}

// Registry maps call ids to sessions. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s. It returns false, leaving the registry unchanged, when the
// call id is already present.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.CallID]; exists {
		return false
	}
	r.sessions[s.CallID] = s
	metrics.CallsActive.Set(float64(len(r.sessions)))
	return true
}

// Get returns the session for callID, or nil.
func (r *Registry) Get(callID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[callID]
}

// Remove unregisters and returns the session for callID, or nil if absent.
func (r *Registry) Remove(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return nil
	}
	delete(r.sessions, callID)
	metrics.CallsActive.Set(float64(len(r.sessions)))
	return s
}

// Len returns the number of live calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists live calls, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, Info{
			CallID:       s.CallID,
			LogID:        s.LogID,
			CallerNumber: s.CallerNumber,
			State:        s.state,
			StartedAt:    s.StartedAt,
			Turns:        len(s.turns),
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
