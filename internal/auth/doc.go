// Package auth is the identity gate for the HTTP API.
//
// Clients authenticate with an HS256 JWT in the Authorization header:
//
//	Authorization: Bearer <token>
//
// The token carries the caller's identity:
//
//   - sub: user id (required)
//   - tenant_id: tenant id, string or number (optional)
//   - role: free-form role name such as "owner" or "member" (optional)
//
// HTTPAuthMiddleware verifies the token and stores the resulting Identity
// on the request context; handlers read it back with FromContext. Ownership
// checks against sessions happen in the conversation package, not here.
//
// Generate mints tokens with the same claims. It exists for local
// development and tests; production tokens are issued elsewhere.
package auth
