package server

import (
	"errors"
	"time"

	"github.com/synclog-dev/synclog/pkg/log"
	"github.com/synclog-dev/synclog/pkg/protocol"
)

// subscribe is the channel pipeline for logux/subscribe: resolve pattern,
// access, append, filter installation, subscription registration, init,
// acknowledgement, finally. Subscribe actions are consumed here and never
// rebroadcast to other clients.
func (s *Server) subscribe(ctx *Context, action protocol.Action, meta *protocol.Meta) {
	start := time.Now()
	client := ctx.client
	if client == nil {
		// Server-side code subscribes nothing; there is no connection to
		// deliver to.
		return
	}

	channel := action.String("channel")
	cb, params, ok := s.registry.resolveChannel(channel)
	if !ok {
		s.fail(meta, false)
		s.reporter.WrongChannel(client, channel)
		s.undo(ctx, *meta, protocol.ReasonWrongChannel, nil)
		return
	}
	ctx.Channel = channel
	ctx.Params = params

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

	s.reporter.PreAdd(action, *meta)
	if _, err := s.store.Add(ctx.Context(), action, *meta); err != nil {
		if errors.Is(err, log.ErrDuplicate) {
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

	var filter FilterFunc
	if cb.Filter != nil {
		filter, err = callFilterFactory(cb.Filter, ctx, action, meta)
		if err != nil {
			reason, extra := undoReason(err, protocol.ReasonError)
			s.reporter.Error(err, action, meta)
			s.fail(meta, appended)
			s.undo(ctx, *meta, reason, extra)
			return
		}
	}

	// Re-subscribing to the same resolved name replaces the filter rather
	// than stacking a second subscription; the milestone fires only for
	// genuinely new subscriptions.
	isNew := s.subs.add(&Subscription{
		Client:  client,
		Channel: channel,
		Params:  params,
		Filter:  filter,
	})
	if isNew {
		s.reporter.Subscribed(client, channel)
	}

	if cb.Init != nil {
		if err := callInit(cb.Init, ctx, action, meta); err != nil {
			s.subs.remove(client, channel)
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

// unsubscribe removes the client's subscription to the named channel.
// Unsubscribing is always permitted: no access check runs, and asking to
// leave a channel the client never joined succeeds quietly.
func (s *Server) unsubscribe(ctx *Context, action protocol.Action, meta *protocol.Meta) {
	start := time.Now()
	client := ctx.client
	if client == nil {
		return
	}

	channel := action.String("channel")
	cb, params, resolved := s.registry.resolveChannel(channel)
	if resolved {
		ctx.Channel = channel
		ctx.Params = params
	}

	s.reporter.PreAdd(action, *meta)
	if _, err := s.store.Add(ctx.Context(), action, *meta); err != nil {
		if errors.Is(err, log.ErrDuplicate) {
			return
		}
		s.reporter.Error(err, action, meta)
		s.fail(meta, false)
		s.undo(ctx, *meta, protocol.ReasonError, nil)
		return
	}
	s.reporter.Add(action, *meta)

	if s.subs.remove(client, channel) {
		s.reporter.Unsubscribed(client, channel)
	}

	s.succeed(meta)
	s.ack(ctx, *meta)
	s.reporter.Processed(meta.ID, time.Since(start))

	if resolved && cb.Finally != nil {
		if err := callFinally(cb.Finally, ctx, action, meta); err != nil {
			s.reporter.Error(err, action, meta)
		}
	}
}

func callFilterFactory(fn FilterFactory, ctx *Context, action protocol.Action, meta *protocol.Meta) (filter FilterFunc, err error) {
	defer recoverToError(&err, "filter")
	return fn(ctx, action, meta)
}

func callInit(fn InitFunc, ctx *Context, action protocol.Action, meta *protocol.Meta) (err error) {
	defer recoverToError(&err, "init")
	return fn(ctx, action, meta)
}
