package protocol

// Action is an immutable typed fact exchanged between clients and the
// server. The only mandated field is the "type" discriminant; everything
// else is application-defined. Actions must never be mutated after
// creation; copy before changing.
type Action map[string]any

// Type returns the action's type discriminant, or "" if absent or not a
// string.
func (a Action) Type() string {
	t, _ := a["type"].(string)
	return t
}

// String returns the action field named key as a string, or "" if the
// field is absent or not a string.
func (a Action) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// Clone returns a shallow copy of the action. Nested values are shared;
// callers that need to change nested state must copy it themselves.
func (a Action) Clone() Action {
	if a == nil {
		return nil
	}
	c := make(Action, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}
