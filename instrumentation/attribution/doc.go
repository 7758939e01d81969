// Package attribution tracks which agent is currently issuing model calls.
//
// The identity travels with a context.Context: WithAgentID and Scoped bind an
// id for a call tree, and AgentID reads it back, returning Unknown when
// nothing is bound. Hosts whose agent loop cannot thread a context use a
// Holder, a mutable per-execution-context slot bound once with WithHolder.
// The innermost binding on a context wins.
package attribution
