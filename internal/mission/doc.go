// Package mission connects the gateway event stream to the rest of the
// system: dashboard notifications, agent message history, task status, and
// the token usage ledger. It also dispatches dashboard commands and tasks to
// the agent.
package mission
