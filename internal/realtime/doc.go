// Package realtime maintains the client's single authenticated websocket
// session to the chat backend's event bus.
//
// A Channel moves between disconnected, connecting and connected, reconnects
// with capped exponential backoff after transport loss, and keeps at most one
// joined conversation room. Subscribers register per event name and are
// called sequentially in receipt order on the reader goroutine.
package realtime
