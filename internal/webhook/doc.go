// Package webhook receives telephony provider webhooks, checks their
// signature, drops redeliveries, and hands each event to the call state
// machine or the SMS correlator.
package webhook
