// Package api serves the dashboard's HTTP surface: status and health, chat
// and task dispatch to the agent, call history, live settings, token usage,
// and a server-sent event stream of real-time notifications.
//
// # Endpoints
//
//	GET  /health                  liveness
//	GET  /health/ready            200 once the gateway is authenticated
//	GET  /api/status              gateway, cost, and extra counters
//	POST /api/chat                send a dashboard message to the agent
//	POST /api/tasks               create a task
//	GET  /api/tasks/{id}          read a task
//	POST /api/tasks/{id}/dispatch send a task to the agent as a run
//	GET  /api/calls               calls in progress
//	GET  /api/calls/{id}          one call log with its transcript turns
//	POST /api/calls/{id}/say      speak text on a live call (call-control id)
//	POST /api/calls/{id}/hangup   hang up a live call (call-control id)
//	PUT  /api/settings/{key}      change a live setting
//	GET  /api/settings            persisted setting rows
//	GET  /api/stats/usage         aggregated token usage
//	GET  /api/events              server-sent notifications
package api
