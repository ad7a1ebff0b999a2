// Package conversation coordinates a chat request from the accepted user
// message to the committed assistant turn.
//
// # Overview
//
// The package sits between the HTTP handlers and the store. It owns three
// jobs:
//
//   - History assembly: resolve or create the session, check ownership, and
//     load prior turns oldest first as generation input
//   - Streaming: run the generation bridge and turn its chunks into wire events
//   - Idempotent persistence: commit each assistant turn exactly once
//
// # Chat Flow
//
//	x, err := svc.Chat(ctx, identity, req)  // pre-stream checks, user turn saved
//	defer x.Close()
//	for {
//	    ev, err := x.Next(ctx)               // session, log, token..., terminal
//	    if err == io.EOF {
//	        break
//	    }
//	    enc.Encode(ev)
//	}
//
// Everything that can fail before the first byte is written fails from Chat
// (store.ErrNotFound, ErrForbidden, ErrSessionClosed, ErrEmptyMessage). After
// that, Next never returns an error other than io.EOF; failures become an
// error or cancelled event followed by final_token.
//
// # Persistence Rules
//
// The user's message is appended before generation starts.
//
// An assistant turn is keyed by (session_id, client_req_id):
//
//   - SaveFinal upgrades an existing non-complete turn to complete, or
//     inserts a complete one. It runs when the stream ends normally.
//   - SavePartial inserts a cancelled turn, or overwrites a non-complete one.
//     If the turn is already complete it does nothing.
//   - When the consumer goes away mid-stream the Exchange writes nothing; the
//     client reports what it received through SavePartial.
//
// message_count always equals the number of stored turns: inserts add one,
// upgrades and overwrites only touch updated_at. A lost race on the unique
// key is retried once and then resolved by the rules above; it is never
// reported to the client.
package conversation
