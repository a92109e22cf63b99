// Package protocol defines the data model shared by every part of the
// synclog server: actions, their meta envelopes, totally-ordered action
// IDs, and the built-in control action vocabulary (subscribe, unsubscribe,
// processed, undo).
//
// Actions are opaque JSON objects with a single mandated field, the "type"
// discriminant. Meta carries ordering, addressing, and lifecycle state for
// exactly one action; it is created once at ingestion and only ever grows
// (resend targets may be added, never removed or reinterpreted).
package protocol
