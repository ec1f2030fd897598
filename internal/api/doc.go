// Package api is the request/response client for the chat backend.
//
// Each method maps to one REST endpoint, attaches the session's bearer
// credential, and returns the decoded result. Non-2xx responses come back as
// *chaterr.StatusError carrying the backend's status and message; transport
// failures are classified as chaterr.ErrNetwork or chaterr.ErrTimeout. The
// client never retries.
package api
