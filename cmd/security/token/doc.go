// Package token provides the credential primitives of the scoping server.
//
// Issuer mints and verifies the short-lived user tokens (HS256 JWTs) that
// authenticate WebSocket and connections API callers. Sealer encrypts
// third-party access tokens at rest with XChaCha20-Poly1305.
//
// Environment:
//   - SCOPING_TOKEN_SIGNING_KEY: JWT signing secret (>= 32 bytes).
//   - SCOPING_TOKEN_SEAL_KEY: secret the sealing key is derived from (>= 32 bytes).
package token
