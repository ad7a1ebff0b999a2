// Package wire defines the chat stream protocol.
//
// A stream is a sequence of JSON objects, each followed by the separator
// "###END###\n":
//
//	{"type":"session","content":"","session_id":"0190..."}###END###
//	{"type":"log","content":"Message received, working..."}###END###
//	{"type":"token","content":"Hel"}###END###
//	{"type":"token","content":"lo"}###END###
//	{"type":"final_token","content":""}###END###
//
// Events appear in this order: session (once, first), then log and token
// events, then at most one of cancelled or error, and always final_token
// last. final_token has empty content and only marks the end of the stream.
//
// JSON never emits a raw newline, so the separator cannot occur inside an
// encoded event even when content contains "###END###\n".
package wire
