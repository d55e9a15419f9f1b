// Package dedupe remembers recently seen webhook event ids so that redelivered
// events are acknowledged without being processed twice.
package dedupe
