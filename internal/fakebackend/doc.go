// Package fakebackend is an in-memory implementation of the chat backend's
// REST endpoints and websocket event bus.
//
// It backs integration tests and the aura-devserver binary. Users are held
// with bcrypt password hashes, bearer tokens are HS256 JWTs, and
// conversations are unique per unordered pair of members. On the event bus a
// session joins one conversation room at a time, and a sendMessage frame is
// relayed to the other sessions in that room as newMessage.
package fakebackend
