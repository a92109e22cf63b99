package server

import (
	"context"
	"errors"
	"testing"

	"github.com/synclog-dev/synclog/pkg/log"
	"github.com/synclog-dev/synclog/pkg/protocol"
)

func TestPipelineProcessSuccess(t *testing.T) {
	s := newTestServer(t)
	c, conn := connect(s, "10:aaa:bbb")

	processed := 0
	if err := s.Type("RENAME", TypeCallbacks{
		Access:  allowAll,
		Process: func(ctx *Context, a protocol.Action, m *protocol.Meta) error { processed++; return nil },
	}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}

	meta := send(s, c, protocol.Action{"type": "RENAME", "name": "x"})

	if processed != 1 {
		t.Errorf("process ran %d times, want 1", processed)
	}
	acks := conn.SentOfType(protocol.TypeProcessed)
	if len(acks) != 1 {
		t.Fatalf("got %d processed acks, want 1", len(acks))
	}
	if acks[0].Action.String("id") != meta.ID.String() {
		t.Errorf("ack id = %q, want %q", acks[0].Action.String("id"), meta.ID.String())
	}
	if undos := conn.SentOfType(protocol.TypeUndo); len(undos) != 0 {
		t.Errorf("got %d undos, want 0", len(undos))
	}

	entry, err := s.store.ByID(context.Background(), meta.ID)
	if err != nil {
		t.Fatalf("action not in log: %v", err)
	}
	if entry.Meta.Status != protocol.StatusProcessed {
		t.Errorf("stored status = %q, want processed", entry.Meta.Status)
	}
}

func TestPipelineDenied(t *testing.T) {
	s := newTestServer(t)
	c, conn := connect(s, "10:aaa:bbb")

	processed := 0
	finallies := 0
	if err := s.Type("RENAME", TypeCallbacks{
		Access:  func(ctx *Context, a protocol.Action, m *protocol.Meta) (bool, error) { return false, nil },
		Process: func(ctx *Context, a protocol.Action, m *protocol.Meta) error { processed++; return nil },
		Finally: func(ctx *Context, a protocol.Action, m *protocol.Meta) { finallies++ },
	}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}

	meta := send(s, c, protocol.Action{"type": "RENAME"})

	if processed != 0 {
		t.Error("denied action must not reach process")
	}
	if finallies != 1 {
		t.Errorf("finally ran %d times, want 1", finallies)
	}
	undos := conn.SentOfType(protocol.TypeUndo)
	if len(undos) != 1 {
		t.Fatalf("got %d undos, want 1", len(undos))
	}
	if undos[0].Action.String("reason") != protocol.ReasonDenied {
		t.Errorf("reason = %q, want denied", undos[0].Action.String("reason"))
	}
	if undos[0].Action.String("id") != meta.ID.String() {
		t.Errorf("undo id = %q, want %q", undos[0].Action.String("id"), meta.ID.String())
	}
	if len(conn.SentOfType(protocol.TypeProcessed)) != 0 {
		t.Error("denied action must not be acknowledged")
	}

	// Denial happens before append, so the action never reaches the log.
	if _, err := s.store.ByID(context.Background(), meta.ID); !errors.Is(err, log.ErrNotFound) {
		t.Errorf("ByID = %v, want ErrNotFound", err)
	}
}

func TestPipelineAckWithoutClientMeta(t *testing.T) {
	s := newTestServer(t)
	c, conn := connect(s, "10:aaa:bbb")

	if err := s.Type("RENAME", TypeCallbacks{Access: allowAll}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}

	// Meta is optional on the wire. A sender that omits it gets a
	// server-minted ID, and the acknowledgement must still reach it.
	meta := s.ingestMeta(c, nil)
	if meta.ID.NodeID != s.nodeID {
		t.Fatalf("minted NodeID = %q, want server's", meta.ID.NodeID)
	}
	s.dispatch(s.clientContext(c.ctx, c), protocol.Action{"type": "RENAME"}, &meta)

	acks := conn.SentOfType(protocol.TypeProcessed)
	if len(acks) != 1 {
		t.Fatalf("got %d processed acks, want 1", len(acks))
	}
	if acks[0].Action.String("id") != meta.ID.String() {
		t.Errorf("ack id = %q, want %q", acks[0].Action.String("id"), meta.ID.String())
	}
}

func TestPipelineUndoWithoutClientMeta(t *testing.T) {
	s := newTestServer(t)
	c, conn := connect(s, "10:aaa:bbb")

	if err := s.Type("RENAME", TypeCallbacks{
		Access: func(ctx *Context, a protocol.Action, m *protocol.Meta) (bool, error) { return false, nil },
	}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}

	meta := s.ingestMeta(c, nil)
	s.dispatch(s.clientContext(c.ctx, c), protocol.Action{"type": "RENAME"}, &meta)

	undos := conn.SentOfType(protocol.TypeUndo)
	if len(undos) != 1 {
		t.Fatalf("got %d undos, want 1", len(undos))
	}
	if undos[0].Action.String("reason") != protocol.ReasonDenied {
		t.Errorf("reason = %q, want denied", undos[0].Action.String("reason"))
	}
}

func TestPipelineCustomUndoReason(t *testing.T) {
	s := newTestServer(t)
	c, conn := connect(s, "10:aaa:bbb")

	if err := s.Type("PAY", TypeCallbacks{
		Access: func(ctx *Context, a protocol.Action, m *protocol.Meta) (bool, error) {
			return false, &UndoError{Reason: "insufficientFunds", Extra: map[string]any{"balance": 3}}
		},
	}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}

	send(s, c, protocol.Action{"type": "PAY"})

	undos := conn.SentOfType(protocol.TypeUndo)
	if len(undos) != 1 {
		t.Fatalf("got %d undos, want 1", len(undos))
	}
	if undos[0].Action.String("reason") != "insufficientFunds" {
		t.Errorf("reason = %q, want insufficientFunds", undos[0].Action.String("reason"))
	}
	if undos[0].Action["balance"] != 3 {
		t.Errorf("extra field balance = %v, want 3", undos[0].Action["balance"])
	}
}

func TestPipelineProcessError(t *testing.T) {
	s := newTestServer(t)
	c, conn := connect(s, "10:aaa:bbb")

	if err := s.Type("RENAME", TypeCallbacks{
		Access:  allowAll,
		Process: func(ctx *Context, a protocol.Action, m *protocol.Meta) error { return errors.New("boom") },
	}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}

	meta := send(s, c, protocol.Action{"type": "RENAME"})

	undos := conn.SentOfType(protocol.TypeUndo)
	if len(undos) != 1 {
		t.Fatalf("got %d undos, want 1", len(undos))
	}
	if undos[0].Action.String("reason") != protocol.ReasonError {
		t.Errorf("reason = %q, want error", undos[0].Action.String("reason"))
	}

	// The action reached the log before process failed and stays there.
	entry, err := s.store.ByID(context.Background(), meta.ID)
	if err != nil {
		t.Fatalf("action should stay in log: %v", err)
	}
	if entry.Meta.Status != protocol.StatusError {
		t.Errorf("stored status = %q, want error", entry.Meta.Status)
	}
}

func TestPipelineProcessPanicContained(t *testing.T) {
	s := newTestServer(t)
	c, conn := connect(s, "10:aaa:bbb")

	if err := s.Type("BAD", TypeCallbacks{
		Access:  allowAll,
		Process: func(ctx *Context, a protocol.Action, m *protocol.Meta) error { panic("oops") },
	}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}

	send(s, c, protocol.Action{"type": "BAD"})

	undos := conn.SentOfType(protocol.TypeUndo)
	if len(undos) != 1 {
		t.Fatalf("got %d undos, want 1", len(undos))
	}
	if undos[0].Action.String("reason") != protocol.ReasonError {
		t.Errorf("reason = %q, want error", undos[0].Action.String("reason"))
	}
}

func TestPipelineUnknownType(t *testing.T) {
	s := newTestServer(t)
	c, conn := connect(s, "10:aaa:bbb")

	send(s, c, protocol.Action{"type": "NEVER_REGISTERED"})

	undos := conn.SentOfType(protocol.TypeUndo)
	if len(undos) != 1 {
		t.Fatalf("got %d undos, want 1", len(undos))
	}
	if undos[0].Action.String("reason") != protocol.ReasonUnknownType {
		t.Errorf("reason = %q, want unknownType", undos[0].Action.String("reason"))
	}
}

func TestPipelineDuplicateID(t *testing.T) {
	s := newTestServer(t)
	c, conn := connect(s, "10:aaa:bbb")

	processed := 0
	finallies := 0
	if err := s.Type("RENAME", TypeCallbacks{
		Access:  allowAll,
		Process: func(ctx *Context, a protocol.Action, m *protocol.Meta) error { processed++; return nil },
		Finally: func(ctx *Context, a protocol.Action, m *protocol.Meta) { finallies++ },
	}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}

	action := protocol.Action{"type": "RENAME"}
	id := protocol.ID{Time: 9, NodeID: c.nodeID}
	ctx := s.clientContext(c.ctx, c)

	first := s.ingestMeta(c, &protocol.Meta{ID: id, Time: 9})
	s.dispatch(ctx, action, &first)
	second := s.ingestMeta(c, &protocol.Meta{ID: id, Time: 9})
	s.dispatch(ctx, action, &second)

	if processed != 1 {
		t.Errorf("process ran %d times, want 1", processed)
	}
	if finallies != 1 {
		t.Errorf("finally ran %d times, want 1", finallies)
	}
	if acks := conn.SentOfType(protocol.TypeProcessed); len(acks) != 1 {
		t.Errorf("got %d processed acks, want 1", len(acks))
	}
	if undos := conn.SentOfType(protocol.TypeUndo); len(undos) != 0 {
		t.Errorf("duplicate delivery must be silent, got %d undos", len(undos))
	}
}

func TestServerProcessTrusted(t *testing.T) {
	s := newTestServer(t)
	_, conn := connect(s, "10:aaa:bbb")

	accesses := 0
	if err := s.Type("NOTIFY", TypeCallbacks{
		Access: func(ctx *Context, a protocol.Action, m *protocol.Meta) (bool, error) {
			accesses++
			return false, nil
		},
	}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}

	meta := s.Process(context.Background(), protocol.Action{"type": "NOTIFY"}, protocol.Resend{Users: []string{"10"}})

	if accesses != 0 {
		t.Error("server-originated actions must skip the access check")
	}
	if meta.Status != protocol.StatusProcessed {
		t.Errorf("Status = %q, want processed", meta.Status)
	}
	got := conn.SentOfType("NOTIFY")
	if len(got) != 1 {
		t.Fatalf("client received %d NOTIFY actions, want 1", len(got))
	}
}

func TestPipelineResendUnion(t *testing.T) {
	s := newTestServer(t)
	_, connA := connect(s, "10:aaa:bbb")
	_, connB := connect(s, "20:ccc:ddd")

	if err := s.Type("POST", TypeCallbacks{
		Access: allowAll,
		Resend: func(ctx *Context, a protocol.Action, m *protocol.Meta) (protocol.Resend, error) {
			return protocol.Resend{Users: []string{"20"}}, nil
		},
	}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}

	// Pre-set targets from the trusted caller survive and union with the
	// resend callback's output.
	meta := s.Process(context.Background(), protocol.Action{"type": "POST"}, protocol.Resend{Users: []string{"10"}})

	if len(connA.SentOfType("POST")) != 1 {
		t.Error("pre-set target lost")
	}
	if len(connB.SentOfType("POST")) != 1 {
		t.Error("resend callback target lost")
	}
	if len(meta.Resend.Users) != 2 {
		t.Errorf("Resend.Users = %v, want union of both", meta.Resend.Users)
	}
}
