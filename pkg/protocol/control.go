package protocol

// Control action types. Any other "type" string is application-defined.
const (
	TypeSubscribe   = "logux/subscribe"
	TypeUnsubscribe = "logux/unsubscribe"
	TypeProcessed   = "logux/processed"
	TypeUndo        = "logux/undo"
)

// Well-known undo reasons emitted by the server itself. Callbacks may
// supply their own reasons through UndoError.
const (
	ReasonDenied       = "denied"
	ReasonError        = "error"
	ReasonUnknownType  = "unknownType"
	ReasonWrongChannel = "wrongChannel"
)

// IsControl reports whether the type string belongs to the built-in
// control vocabulary.
func IsControl(typ string) bool {
	switch typ {
	case TypeSubscribe, TypeUnsubscribe, TypeProcessed, TypeUndo:
		return true
	}
	return false
}

// Since is the optional hint on a subscribe action telling the server the
// newest action the client already has, so Init callbacks can skip data
// the client would only deduplicate.
type Since struct {
	ID   ID
	Time int64
}

// Subscribe builds a logux/subscribe control action.
func Subscribe(channel string) Action {
	return Action{"type": TypeSubscribe, "channel": channel}
}

// Unsubscribe builds a logux/unsubscribe control action.
func Unsubscribe(channel string) Action {
	return Action{"type": TypeUnsubscribe, "channel": channel}
}

// Processed builds the acknowledgement action for the given action ID.
func Processed(id ID) Action {
	return Action{"type": TypeProcessed, "id": id.String()}
}

// Undo builds the rejection action for the given action ID. Extra fields
// are merged in verbatim; they must not shadow "type", "id" or "reason".
func Undo(id ID, reason string, extra map[string]any) Action {
	a := Action{"type": TypeUndo, "id": id.String(), "reason": reason}
	for k, v := range extra {
		if k == "type" || k == "id" || k == "reason" {
			continue
		}
		a[k] = v
	}
	return a
}

// SinceOf extracts the "since" hint from a subscribe action, or nil when
// absent or malformed.
func SinceOf(a Action) *Since {
	raw, ok := a["since"].(map[string]any)
	if !ok {
		return nil
	}
	s := &Since{}
	if idStr, ok := raw["id"].(string); ok {
		if id, err := ParseID(idStr); err == nil {
			s.ID = id
		}
	}
	switch t := raw["time"].(type) {
	case float64:
		s.Time = int64(t)
	case int64:
		s.Time = t
	}
	if s.ID.IsZero() && s.Time == 0 {
		return nil
	}
	return s
}
