package server

import (
	"context"

	"github.com/synclog-dev/synclog/pkg/protocol"
)

// broadcast fans an action out to every connected client matched by the
// meta's resend targets: channel subscribers first (subject to their
// per-subscription filters), then user, client-ID and node-ID matches.
//
// Each client receives the action at most once even when several match
// reasons apply. A filter rejecting on one channel does not veto delivery
// through another admitting channel or a direct user/node match. The
// router performs no implicit self-exclusion; that is a policy decision
// for resend and filter callbacks. Delivery to a client that disconnected
// after the snapshot was taken is a harmless no-op.
func (s *Server) broadcast(action protocol.Action, meta protocol.Meta) {
	delivered := make(map[*Client]struct{})

	deliver := func(c *Client) {
		if _, ok := delivered[c]; ok {
			return
		}
		delivered[c] = struct{}{}
		_ = c.Send(action, meta)
	}

	for _, channel := range meta.Resend.Channels {
		for _, sub := range s.subs.subscribers(channel) {
			if _, ok := delivered[sub.Client]; ok {
				continue
			}
			if sub.Filter != nil && !s.admits(sub, channel, action, meta) {
				continue
			}
			deliver(sub.Client)
		}
	}

	for _, user := range meta.Resend.Users {
		for _, c := range s.clients.byUser(user) {
			deliver(c)
		}
	}
	for _, clientID := range meta.Resend.Clients {
		for _, c := range s.clients.byClientID(clientID) {
			deliver(c)
		}
	}
	for _, nodeID := range meta.Resend.Nodes {
		if c := s.clients.byNodeID(nodeID); c != nil {
			deliver(c)
		}
	}
}

// admits evaluates a subscription's filter predicate with the subscriber's
// own context. A panicking filter counts as rejection and is reported.
func (s *Server) admits(sub *Subscription, channel string, action protocol.Action, meta protocol.Meta) bool {
	ctx := s.clientContext(context.Background(), sub.Client)
	ctx.Channel = channel
	ctx.Params = sub.Params

	admitted, err := callFilter(sub.Filter, ctx, action, meta)
	if err != nil {
		s.reporter.Error(err, action, &meta)
		return false
	}
	return admitted
}

func callFilter(fn FilterFunc, ctx *Context, action protocol.Action, meta protocol.Meta) (admitted bool, err error) {
	defer recoverToError(&err, "filter")
	return fn(ctx, action, meta), nil
}
