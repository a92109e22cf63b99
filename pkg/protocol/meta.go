package protocol

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of an action. Every action starts in
// StatusWaiting and is moved exactly once to a terminal state by the
// processing pipeline.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusProcessed Status = "processed"
	StatusError     Status = "error"
)

// Terminal reports whether the status is a terminal pipeline state.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusError
}

// Resend is the set of broadcast targets for an action. Empty slices mean
// "no targets of that kind". The wire form accepts singular sugar
// ("channel" for a one-element "channels") on every field.
type Resend struct {
	Channels []string `json:"channels,omitempty"`
	Users    []string `json:"users,omitempty"`
	Clients  []string `json:"clients,omitempty"`
	Nodes    []string `json:"nodes,omitempty"`
}

// IsEmpty reports whether no targets of any kind are set.
func (r Resend) IsEmpty() bool {
	return len(r.Channels) == 0 && len(r.Users) == 0 && len(r.Clients) == 0 && len(r.Nodes) == 0
}

// Merge unions other's targets into r. Existing targets are never removed
// or overwritten; duplicates are collapsed. Union semantics matter when a
// trusted server-side sender already set targets and a resend callback
// adds more.
func (r *Resend) Merge(other Resend) {
	r.Channels = unionStrings(r.Channels, other.Channels)
	r.Users = unionStrings(r.Users, other.Users)
	r.Clients = unionStrings(r.Clients, other.Clients)
	r.Nodes = unionStrings(r.Nodes, other.Nodes)
}

func unionStrings(dst, add []string) []string {
	if len(add) == 0 {
		return dst
	}
	seen := make(map[string]struct{}, len(dst))
	for _, s := range dst {
		seen[s] = struct{}{}
	}
	for _, s := range add {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			dst = append(dst, s)
		}
	}
	return dst
}

// UnmarshalJSON accepts both plural fields and their singular sugar forms.
func (r *Resend) UnmarshalJSON(data []byte) error {
	var raw struct {
		Channel  string   `json:"channel"`
		Channels []string `json:"channels"`
		User     string   `json:"user"`
		Users    []string `json:"users"`
		Client   string   `json:"client"`
		Clients  []string `json:"clients"`
		Node     string   `json:"node"`
		Nodes    []string `json:"nodes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Channels = pluralize(raw.Channel, raw.Channels)
	r.Users = pluralize(raw.User, raw.Users)
	r.Clients = pluralize(raw.Client, raw.Clients)
	r.Nodes = pluralize(raw.Node, raw.Nodes)
	return nil
}

func pluralize(singular string, plural []string) []string {
	if singular != "" {
		return unionStrings(plural, []string{singular})
	}
	return plural
}

// Meta is the envelope attached 1:1 to an action at ingestion time. It
// carries the total-order ID, the logical timestamp, the lifecycle status,
// the accepting server's node ID, resend targets, and the retention
// reasons keeping the action in the log.
type Meta struct {
	ID      ID
	Time    int64
	Status  Status
	Server  string
	Resend  Resend
	Reasons []string
}

// AddReason records a retention reason if not already present.
func (m *Meta) AddReason(reason string) {
	for _, r := range m.Reasons {
		if r == reason {
			return
		}
	}
	m.Reasons = append(m.Reasons, reason)
}

type metaJSON struct {
	ID      string   `json:"id"`
	Time    int64    `json:"time"`
	Status  Status   `json:"status,omitempty"`
	Server  string   `json:"server,omitempty"`
	Reasons []string `json:"reasons,omitempty"`

	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
	User     string   `json:"user,omitempty"`
	Users    []string `json:"users,omitempty"`
	Client   string   `json:"client,omitempty"`
	Clients  []string `json:"clients,omitempty"`
	Node     string   `json:"node,omitempty"`
	Nodes    []string `json:"nodes,omitempty"`
}

// MarshalJSON renders the canonical wire form: the ID as its string form
// and resend targets always in plural fields.
func (m Meta) MarshalJSON() ([]byte, error) {
	return json.Marshal(metaJSON{
		ID:       m.ID.String(),
		Time:     m.Time,
		Status:   m.Status,
		Server:   m.Server,
		Reasons:  m.Reasons,
		Channels: m.Resend.Channels,
		Users:    m.Resend.Users,
		Clients:  m.Resend.Clients,
		Nodes:    m.Resend.Nodes,
	})
}

// UnmarshalJSON parses the wire form, accepting singular resend sugar.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var raw metaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := ParseID(raw.ID)
	if err != nil {
		return fmt.Errorf("meta id: %w", err)
	}
	m.ID = id
	m.Time = raw.Time
	m.Status = raw.Status
	m.Server = raw.Server
	m.Reasons = raw.Reasons
	m.Resend = Resend{
		Channels: pluralize(raw.Channel, raw.Channels),
		Users:    pluralize(raw.User, raw.Users),
		Clients:  pluralize(raw.Client, raw.Clients),
		Nodes:    pluralize(raw.Node, raw.Nodes),
	}
	return nil
}
