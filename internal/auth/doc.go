// Package auth authenticates callers of the bridge HTTP API.
//
// Two credentials are accepted:
//   - HS256 JWT access tokens carrying a subject and a role
//   - static API keys, configured as Argon2id PHC hashes
//
// Roles are flat: a viewer may read device state and history, an operator
// may additionally send commands, force refreshes and change settings.
package auth
