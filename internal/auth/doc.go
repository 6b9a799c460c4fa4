// Package auth verifies admin JWTs for the registration and binding
// endpoints.
//
// Tokens are HS256-signed with the configured admin secret and must carry a
// "sub" claim identifying the operator. When no secret is configured, the
// middleware rejects everything: the admin surface is closed by default.
package auth
