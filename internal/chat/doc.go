// Package chat is the conversation synchronization core.
//
// A Synchronizer owns the Timeline of the single open conversation. Messages
// reach it through two independent paths: the response of a send request and
// newMessage events pushed over the realtime channel. Both go through the
// same merge rule, insert only if the ID is new, at the position given by
// (createdAt, id), so the timeline stays duplicate-free and sorted whatever
// the arrival order.
package chat
