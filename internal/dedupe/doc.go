// Package dedupe tracks in-flight chat requests so that two concurrent
// streams for the same (session, client_req_id) key cannot run at once.
//
// Keys are held from the moment a request is accepted until its stream
// ends. A TTL bounds how long a leaked key can block retries, and a size
// limit bounds memory; the oldest key is evicted first.
package dedupe
