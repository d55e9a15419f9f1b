// Package correlator routes agent replies for inbound SMS back to the texter.
//
// An inbound text is forwarded to the gateway on a session key reserved for
// SMS, and a pending reply claim is recorded for the sender. The gateway
// stream is shared by every session, so only output on the reserved key is
// considered, and it goes to the oldest unexpired claim.
//
// Two delivery modes exist for different gateway versions:
//
//   - final: a chat final event carries the whole answer.
//   - stream: assistant deltas are buffered and flushed as one text after a
//     quiet period.
//
// Only one SMS exchange should be in flight on the reserved key at a time.
// Claims are matched oldest-first, not by run, so overlapping texts from
// different numbers can be answered out of order.
//
// When the gateway is not authenticated the correlator answers directly with
// the response generator, using recent SMS history with the contact.
package correlator
