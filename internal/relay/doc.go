// Package relay is the HTTP implementation of domain.Transport. It speaks the
// subset of the Matrix client-server API that roomcrypt needs:
//
//   - GET  /sync with since and timeout, long-polled.
//   - PUT  /rooms/{room}/send/{type}/{txn} and /sendToDevice/{type}/{txn}.
//   - POST /keys/upload, /keys/query and /keys/claim.
//   - POST /join/{room} and /rooms/{room}/leave.
//
// All paths live under /_matrix/client/v3. Requests carry the bearer access
// token and the caller's context. Transaction ids are random UUIDs.
//
// Every failure unwraps to domain.ErrTransport. Non-2xx responses with a
// Matrix error body are returned as *Error so callers can inspect the
// errcode with errors.As.
package relay
