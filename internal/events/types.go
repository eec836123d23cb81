// Package events builds and parses the bus subjects used to route A2A events:
// "events.<session_id>.<context_id>" partitions every event by session first,
// context second, so a subscriber bound to a bare session id still receives
// every conversation nested under it (spec §4.1 partition-key routing).
package events

import "strings"

const subjectPrefix = "events"

// Subject returns the publish subject for an event scoped to contextID, which
// is either a bare session id or "<session_id>::<conversation>".
func Subject(sessionID, contextID string) string {
	if contextID == "" {
		contextID = sessionID
	}
	return strings.Join([]string{subjectPrefix, sessionID, contextID}, ".")
}

// SessionWildcard returns the NATS-style wildcard subject matching every
// context under sessionID.
func SessionWildcard(sessionID string) string {
	return strings.Join([]string{subjectPrefix, sessionID, ">"}, ".")
}

// AllWildcard matches every event on the bus, used by the WebSocket bridge.
func AllWildcard() string {
	return subjectPrefix + ".>"
}

// Routing builds the Event.Data["_routing"] sub-map the WebSocket bridge and
// any other cross-cutting subscriber use to recover session/context identity
// without parsing the subject string back apart.
func Routing(sessionID, contextID string) map[string]interface{} {
	if contextID == "" {
		contextID = sessionID
	}
	return map[string]interface{}{
		"session_id": sessionID,
		"context_id": contextID,
	}
}
