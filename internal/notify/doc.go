// Package notify fans real-time call, message, and agent notifications out to
// dashboard subscribers.
package notify
