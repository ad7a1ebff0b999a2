// Package gateway runs the turnstream HTTP server.
//
// # Overview
//
// The gateway owns the store, the conversation service and the HTTP server.
// It listens on a TCP address, or on a tailnet through tsnet when tailscale
// is enabled, and shuts down gracefully when its context is cancelled.
//
// # HTTP API
//
//	GET    /health                       liveness ("OK")
//	GET    /health/ready                 store reachable
//	POST   /conversation/chat_response   streamed reply (see below)
//	POST   /conversation/save_partial    persist what a client received before aborting
//	GET    /session                      list the caller's sessions, newest first
//	PATCH  /session                      rename, close or reopen a session
//	DELETE /session?session_id=...       delete a session and its turns
//	GET    /session/chat?session_id=...  turns in order; render=html adds rendered markdown
//
// Trailing slashes are ignored.
//
// # Streaming
//
// chat_response answers with Content-Type application/x-ndjson and the
// X-Session-Id header. Each event is one JSON object followed by
// "###END###\n":
//
//	{"type":"session","content":"","session_id":"..."}###END###
//	{"type":"log","content":"Message received, working..."}###END###
//	{"type":"token","content":"Hel"}###END###
//	{"type":"final_token","content":""}###END###
//
// Errors found before streaming are returned as JSON with an HTTP status.
// Once streaming has started, failures arrive as an error or cancelled event,
// and the stream still ends with final_token.
//
// # Authentication
//
// With auth.jwt_secret set, every route except /health requires a bearer
// token, and any user_id or tenant_id in the request must match it. Without
// a secret the server runs in development mode and trusts the user_id and
// tenant_id in the request.
package gateway
