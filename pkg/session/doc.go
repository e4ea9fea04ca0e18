// Package session keeps per-conversation agent state in memory.
//
// Invariants:
//   - At most one record exists per session id.
//   - A record whose age reaches the TTL is never returned; it is deleted on
//     the lookup that observes it or by the next Sweep.
//   - Callers always receive a private copy when the state type implements
//     Clone.
//
// Usage:
//
//	store := session.NewStore[workflow.AgentState](30 * time.Minute)
//	id := store.Create()
//	state, ok := store.Get(id)
//	store.Put(id, state)
package session
