// Package plaintext strips markdown from agent output before it is texted or
// spoken to a caller.
package plaintext
