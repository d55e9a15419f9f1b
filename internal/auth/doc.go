// Package auth supplies the bearer credential sent in the gateway handshake.
//
// Two sources are available:
//
//   - Static: a pre-shared token from configuration.
//   - JWT: an HS256 token minted from a shared secret, with the client id as
//     the "sub" claim. Tokens are cached and re-minted shortly before expiry,
//     so every reconnect presents a valid credential.
package auth
