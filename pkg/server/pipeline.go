package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/synclog-dev/synclog/pkg/log"
	"github.com/synclog-dev/synclog/pkg/protocol"
)

// dispatch runs one inbound action through the engine. It is called
// synchronously from the originating client's read loop, which preserves
// per-client ordering; actions from different clients dispatch
// concurrently with no shared pipeline state.
func (s *Server) dispatch(ctx *Context, action protocol.Action, meta *protocol.Meta) {
	switch action.Type() {
	case protocol.TypeSubscribe:
		s.subscribe(ctx, action, meta)
	case protocol.TypeUnsubscribe:
		s.unsubscribe(ctx, action, meta)
	default:
		s.runPipeline(ctx, action, meta, false)
	}
}

// runPipeline is the action pipeline: access, resend, append, broadcast,
// process, acknowledgement, finally. trusted skips the access check for
// server-originated actions.
func (s *Server) runPipeline(ctx *Context, action protocol.Action, meta *protocol.Meta, trusted bool) {
	start := time.Now()
	typ := action.Type()

	cb, ok := s.registry.resolveType(typ)
	if !ok {
		s.fail(meta, false)
		s.reporter.UnknownType(typ, meta.ID)
		s.undo(ctx, *meta, protocol.ReasonUnknownType, nil)
		return
	}

	// finally runs exactly once whatever happens above it, except on the
	// duplicate-append short-circuit.
	skipFinally := false
	appended := false
	defer func() {
		if skipFinally || cb.Finally == nil {
			return
		}
		if err := callFinally(cb.Finally, ctx, action, meta); err != nil {
			s.reporter.Error(err, action, meta)
		}
	}()

	if !trusted {
		allowed, err := callAccess(cb.Access, ctx, action, meta)
		if err != nil {
			reason, extra := undoReason(err, protocol.ReasonDenied)
			s.reporter.Error(err, action, meta)
			s.fail(meta, appended)
			s.undo(ctx, *meta, reason, extra)
			return
		}
		if !allowed {
			s.fail(meta, appended)
			s.reporter.Denied(meta.ID)
			s.undo(ctx, *meta, protocol.ReasonDenied, nil)
			return
		}
	}

	if cb.Resend != nil {
		targets, err := callResend(cb.Resend, ctx, action, meta)
		if err != nil {
			reason, extra := undoReason(err, protocol.ReasonError)
			s.reporter.Error(err, action, meta)
			s.fail(meta, appended)
			s.undo(ctx, *meta, reason, extra)
			return
		}
		// Union with targets a trusted sender may have pre-set.
		meta.Resend.Merge(targets)
	}

	s.reporter.PreAdd(action, *meta)
	if _, err := s.store.Add(ctx.Context(), action, *meta); err != nil {
		if errors.Is(err, log.ErrDuplicate) {
			// Re-delivery from another server. Drop silently: no process,
			// no broadcast, no finally.
			skipFinally = true
			return
		}
		s.reporter.Error(err, action, meta)
		s.fail(meta, appended)
		s.undo(ctx, *meta, protocol.ReasonError, nil)
		return
	}
	appended = true
	s.reporter.Add(action, *meta)

	// Broadcast happens once access succeeded, whatever process does.
	s.broadcast(action, *meta)

	if cb.Process != nil {
		if err := callProcess(cb.Process, ctx, action, meta); err != nil {
			reason, extra := undoReason(err, protocol.ReasonError)
			s.reporter.Error(err, action, meta)
			s.fail(meta, appended)
			s.undo(ctx, *meta, reason, extra)
			return
		}
	}

	s.succeed(meta)
	s.ack(ctx, *meta)
	s.reporter.Processed(meta.ID, time.Since(start))
}

// Process runs a trusted server-originated action through the pipeline,
// skipping the access check. Pre-set resend targets are kept and unioned
// with the type's resend callback output. The returned meta's Status
// reports the outcome.
func (s *Server) Process(ctx context.Context, action protocol.Action, resend protocol.Resend) protocol.Meta {
	meta := s.newMeta()
	meta.Resend = resend
	s.runPipeline(s.serverContext(ctx), action, &meta, true)
	return meta
}

// fail moves the meta to its terminal error status (once) and persists the
// transition when the action already reached the log.
func (s *Server) fail(meta *protocol.Meta, appended bool) {
	if meta.Status.Terminal() {
		return
	}
	meta.Status = protocol.StatusError
	if appended {
		_ = s.store.ChangeMeta(context.Background(), meta.ID, func(m *protocol.Meta) {
			m.Status = protocol.StatusError
		})
	}
}

// succeed moves the meta to its terminal processed status and persists it.
func (s *Server) succeed(meta *protocol.Meta) {
	if meta.Status.Terminal() {
		return
	}
	meta.Status = protocol.StatusProcessed
	_ = s.store.ChangeMeta(context.Background(), meta.ID, func(m *protocol.Meta) {
		m.Status = protocol.StatusProcessed
	})
}

// undo appends a logux/undo addressed to the original sender. It rides
// the same append and broadcast stages as any action.
func (s *Server) undo(ctx *Context, origin protocol.Meta, reason string, extra map[string]any) {
	action := protocol.Undo(origin.ID, reason, extra)
	if _, err := s.emit(action, ackTargets(ctx, origin)); err != nil {
		s.reporter.Error(err, action, nil)
	}
}

// ack appends a logux/processed addressed to the original sender.
func (s *Server) ack(ctx *Context, origin protocol.Meta) {
	action := protocol.Processed(origin.ID)
	if _, err := s.emit(action, ackTargets(ctx, origin)); err != nil {
		s.reporter.Error(err, action, nil)
	}
}

// ackTargets routes an acknowledgement to the acted ID's node. When the
// sender omitted its own meta the ingested ID names the server's node,
// so the originating connection's node is targeted as well to keep the
// acknowledgement deliverable.
func ackTargets(ctx *Context, origin protocol.Meta) protocol.Resend {
	nodes := []string{origin.ID.NodeID}
	if ctx != nil && ctx.client != nil && ctx.NodeID != origin.ID.NodeID {
		nodes = append(nodes, ctx.NodeID)
	}
	return protocol.Resend{Nodes: nodes}
}

// emit appends and broadcasts a server-generated action with an
// always-admit resend. Control acknowledgements and SendBack data use it.
func (s *Server) emit(action protocol.Action, resend protocol.Resend) (protocol.Meta, error) {
	meta := s.newMeta()
	meta.Status = protocol.StatusProcessed
	meta.Resend = resend

	s.reporter.PreAdd(action, meta)
	if _, err := s.store.Add(context.Background(), action, meta); err != nil {
		if errors.Is(err, log.ErrDuplicate) {
			return meta, nil
		}
		return meta, err
	}
	s.reporter.Add(action, meta)
	s.broadcast(action, meta)
	return meta, nil
}

// undoReason extracts a custom undo reason from an UndoError, or falls
// back to the stage's default reason.
func undoReason(err error, fallback string) (string, map[string]any) {
	var ue *UndoError
	if errors.As(err, &ue) {
		return ue.Reason, ue.Extra
	}
	return fallback, nil
}

// Callback invocations recover panics into errors so one misbehaving
// handler never takes down unrelated pipelines.

func callAccess(fn AccessFunc, ctx *Context, action protocol.Action, meta *protocol.Meta) (allowed bool, err error) {
	defer recoverToError(&err, "access")
	return fn(ctx, action, meta)
}

func callResend(fn ResendFunc, ctx *Context, action protocol.Action, meta *protocol.Meta) (targets protocol.Resend, err error) {
	defer recoverToError(&err, "resend")
	return fn(ctx, action, meta)
}

func callProcess(fn ProcessFunc, ctx *Context, action protocol.Action, meta *protocol.Meta) (err error) {
	defer recoverToError(&err, "process")
	return fn(ctx, action, meta)
}

func callFinally(fn FinallyFunc, ctx *Context, action protocol.Action, meta *protocol.Meta) (err error) {
	defer recoverToError(&err, "finally")
	fn(ctx, action, meta)
	return nil
}

func recoverToError(err *error, stage string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("server: %s callback panic: %v", stage, r)
	}
}
