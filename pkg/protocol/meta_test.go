package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestResendMergeUnion(t *testing.T) {
	r := Resend{Channels: []string{"users/1"}, Users: []string{"1"}}
	r.Merge(Resend{Channels: []string{"users/1", "users/2"}, Nodes: []string{"n1"}})

	if !reflect.DeepEqual(r.Channels, []string{"users/1", "users/2"}) {
		t.Errorf("Channels = %v", r.Channels)
	}
	if !reflect.DeepEqual(r.Users, []string{"1"}) {
		t.Errorf("Users = %v", r.Users)
	}
	if !reflect.DeepEqual(r.Nodes, []string{"n1"}) {
		t.Errorf("Nodes = %v", r.Nodes)
	}
}

func TestResendSingularSugar(t *testing.T) {
	var r Resend
	if err := json.Unmarshal([]byte(`{"channel":"users/1","users":["a","b"],"node":"n1"}`), &r); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(r.Channels, []string{"users/1"}) {
		t.Errorf("Channels = %v", r.Channels)
	}
	if !reflect.DeepEqual(r.Users, []string{"a", "b"}) {
		t.Errorf("Users = %v", r.Users)
	}
	if !reflect.DeepEqual(r.Nodes, []string{"n1"}) {
		t.Errorf("Nodes = %v", r.Nodes)
	}
	if r.Clients != nil {
		t.Errorf("Clients = %v, want none", r.Clients)
	}
}

func TestMetaJSONRoundTrip(t *testing.T) {
	m := Meta{
		ID:      ID{Time: 100, NodeID: "10:a:b", Counter: 1},
		Time:    100,
		Status:  StatusWaiting,
		Server:  "server:x",
		Resend:  Resend{Channels: []string{"users/10"}},
		Reasons: []string{"users/10"},
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got Meta
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip = %+v, want %+v", got, m)
	}
}

func TestMetaUnmarshalSingular(t *testing.T) {
	var m Meta
	raw := `{"id":"100 10:a:b 0","time":100,"channel":"users/10","user":"10"}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(m.Resend.Channels, []string{"users/10"}) {
		t.Errorf("Channels = %v", m.Resend.Channels)
	}
	if !reflect.DeepEqual(m.Resend.Users, []string{"10"}) {
		t.Errorf("Users = %v", m.Resend.Users)
	}
}

func TestMetaUnmarshalBadID(t *testing.T) {
	var m Meta
	if err := json.Unmarshal([]byte(`{"id":"nope","time":1}`), &m); err == nil {
		t.Error("unmarshal should fail on malformed id")
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusWaiting.Terminal() {
		t.Error("waiting should not be terminal")
	}
	if !StatusProcessed.Terminal() {
		t.Error("processed should be terminal")
	}
	if !StatusError.Terminal() {
		t.Error("error should be terminal")
	}
}

func TestAddReasonDedup(t *testing.T) {
	var m Meta
	m.AddReason("a")
	m.AddReason("b")
	m.AddReason("a")
	if !reflect.DeepEqual(m.Reasons, []string{"a", "b"}) {
		t.Errorf("Reasons = %v", m.Reasons)
	}
}
