// Package server implements the action processing and channel
// subscription engine of synclog.
//
// Clients connect over WebSocket, authenticate, and send typed actions.
// Each action runs through a pipeline: access check, resend computation,
// durable append to the shared log, broadcast to matching subscribers,
// business-logic processing, and an acknowledgement (logux/processed) or
// rejection (logux/undo) routed back to the originator. The built-in
// logux/subscribe and logux/unsubscribe actions are consumed by the
// channel pipeline instead of application processing.
//
// Actions from different clients run concurrently; actions from one client
// are processed strictly in the order they arrived.
package server
