package session

import (
	"sync"
	"time"

	"github.com/a2aflow/host/internal/common/apperror"
)

// EnabledAgent is (Session, AgentDescriptor, chosen_url) — spec §3.
type EnabledAgent struct {
	Agent     *AgentDescriptor
	ChosenURL string
}

// enabledSet is an immutable snapshot of a session's enabled agents. Mutation
// always replaces the pointer under the session's lock (copy-on-write), so
// readers that captured a pointer never observe a partial update (I6).
type enabledSet map[string]*EnabledAgent

// sessionState guards one session's enabledSet behind a single mutex. Writers
// hold it while building the replacement set; readers hold it only long
// enough to copy the snapshot pointer (spec §5 shared-resource policy).
type sessionState struct {
	mu        sync.Mutex // held by writers for the whole update, by readers only to load the snapshot
	createdAt time.Time
	snapshot  enabledSet
}

// SessionStore is the per-session EnabledAgent registry (spec §3 Session,
// invariants I1/I6). Distinct from the global AgentDescriptor Registry in
// registry.go.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// NewSessionStore creates an empty per-session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*sessionState)}
}

func (s *SessionStore) getOrCreate(sessionID string) *sessionState {
	s.mu.RLock()
	st, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st
	}
	st = &sessionState{createdAt: time.Now().UTC(), snapshot: enabledSet{}}
	s.sessions[sessionID] = st
	return st
}

// Enable adds agent to sessionID's enabled set, resolving its URL via
// preferProduction. Mutations are serialized per session (I6); other
// sessions are never touched (I1).
func (s *SessionStore) Enable(sessionID string, agent *AgentDescriptor, preferProduction bool) error {
	if agent.Name == EVALUATE {
		return apperror.New(apperror.KindValidation, "EVALUATE cannot be enabled as a dispatch target")
	}
	st := s.getOrCreate(sessionID)

	st.mu.Lock()
	defer st.mu.Unlock()
	next := make(enabledSet, len(st.snapshot)+1)
	for k, v := range st.snapshot {
		next[k] = v
	}
	next[agent.Name] = &EnabledAgent{Agent: agent, ChosenURL: agent.ResolveURL(preferProduction)}
	st.snapshot = next
	return nil
}

// Disable removes an agent from sessionID's enabled set.
func (s *SessionStore) Disable(sessionID, agentName string) error {
	st := s.getOrCreate(sessionID)

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.snapshot[agentName]; !ok {
		return nil // idempotent
	}
	next := make(enabledSet, len(st.snapshot))
	for k, v := range st.snapshot {
		if k != agentName {
			next[k] = v
		}
	}
	st.snapshot = next
	return nil
}

// Snapshot returns a consistent, immutable view of sessionID's enabled
// agents. Safe to read without holding any lock afterward.
func (s *SessionStore) Snapshot(sessionID string) map[string]*EnabledAgent {
	st := s.getOrCreate(sessionID)
	st.mu.Lock()
	snap := st.snapshot
	st.mu.Unlock()

	out := make(map[string]*EnabledAgent, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out
}

// Close drops a session's state entirely (teardown drains subscribers and
// flushes the repo at a higher layer; this just releases the in-memory set).
func (s *SessionStore) Close(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// SynthesizeFromGlobal builds an enabled set directly from the global
// registry for the named agents, always preferring production URLs — used
// for scheduled runs (I2), which must not depend on any live user session.
func SynthesizeFromGlobal(registry *Registry, agentNames []string) (map[string]*EnabledAgent, error) {
	out := make(map[string]*EnabledAgent, len(agentNames))
	for _, name := range agentNames {
		if name == EVALUATE {
			continue
		}
		agent, err := registry.Get(name)
		if err != nil {
			return nil, err
		}
		out[name] = &EnabledAgent{Agent: agent, ChosenURL: agent.ResolveURL(true)}
	}
	return out, nil
}
