// Package calls runs inbound voice calls as a turn-taking dialogue.
//
// Each call moves through Initiated, Answered, then alternates between
// Gathering (listening to the caller) and Responding (generating and speaking
// a reply) until the provider reports a hangup:
//
//	Initiated -> Answered -> Gathering <-> Responding -> Ended
//	Initiated -> Failed (answer error)
//
// A Registry keyed by the provider's call-control id holds the live sessions.
// Every session has a call log row created before it is registered, so a
// crash mid-call still leaves an auditable record.
//
// The greeting turn is logged when the gather is issued, not when the provider
// confirms playback finished.
package calls
