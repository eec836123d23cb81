package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testAgent(name string) *AgentDescriptor {
	return &AgentDescriptor{
		Name: name,
		URLs: AgentURLs{Dev: "http://dev/" + name, Production: "http://prod/" + name},
	}
}

// TestSessionIsolation covers property P1: mutations on one session's
// EnabledAgent set are never visible to another session.
func TestSessionIsolation(t *testing.T) {
	store := NewSessionStore()
	agentA := testAgent("analyzer")

	require.NoError(t, store.Enable("session-a", agentA, false))
	require.NoError(t, store.Enable("session-b", agentA, false))
	require.NoError(t, store.Disable("session-a", "analyzer"))

	snapA := store.Snapshot("session-a")
	snapB := store.Snapshot("session-b")

	require.Empty(t, snapA)
	require.Contains(t, snapB, "analyzer")
}

func TestSnapshotIsImmutable(t *testing.T) {
	store := NewSessionStore()
	agentA := testAgent("writer")
	require.NoError(t, store.Enable("sess", agentA, false))

	snap1 := store.Snapshot("sess")
	require.NoError(t, store.Enable("sess", testAgent("other"), false))
	snap2 := store.Snapshot("sess")

	require.Len(t, snap1, 1)
	require.Len(t, snap2, 2)
}

func TestEvaluateCannotBeEnabled(t *testing.T) {
	store := NewSessionStore()
	err := store.Enable("sess", testAgent(EVALUATE), false)
	require.Error(t, err)
}

func TestSynthesizeFromGlobalPrefersProduction(t *testing.T) {
	registry := NewRegistry(testLogger())
	require.NoError(t, registry.Register(testAgent("analyzer")))

	enabled, err := SynthesizeFromGlobal(registry, []string{"analyzer"})
	require.NoError(t, err)
	require.Equal(t, "http://prod/analyzer", enabled["analyzer"].ChosenURL)
}
