package server

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/synclog-dev/synclog/pkg/protocol"
)

// AccessFunc authorizes one action for the asking client. Returning false
// rejects with undo reason "denied"; returning an error rejects with the
// UndoError reason or "denied" for plain errors.
type AccessFunc func(ctx *Context, action protocol.Action, meta *protocol.Meta) (bool, error)

// ResendFunc computes extra broadcast targets for an action. Its output is
// unioned into targets already present on the meta, never overwriting
// fields set by trusted server-side senders.
type ResendFunc func(ctx *Context, action protocol.Action, meta *protocol.Meta) (protocol.Resend, error)

// ProcessFunc runs the business logic of an action. An error rejects with
// undo reason "error" (or the UndoError reason); the action stays in the
// log either way; side effects are not rolled back.
type ProcessFunc func(ctx *Context, action protocol.Action, meta *protocol.Meta) error

// FinallyFunc runs exactly once after an action's pipeline finishes,
// whatever the outcome. Its own errors are reported but change nothing.
type FinallyFunc func(ctx *Context, action protocol.Action, meta *protocol.Meta)

// FilterFunc is a per-subscription delivery predicate installed by a
// channel's Filter callback. Returning false suppresses delivery of that
// action to that subscriber on that channel.
type FilterFunc func(ctx *Context, action protocol.Action, meta protocol.Meta) bool

// FilterFactory builds the delivery predicate for one specific
// subscription, closed over the subscribe action (e.g. to hide a
// subscriber's own actions from them).
type FilterFactory func(ctx *Context, action protocol.Action, meta *protocol.Meta) (FilterFunc, error)

// InitFunc emits bootstrap data to a freshly subscribed client, usually
// via ctx.SendBack. The subscribe action's "since" hint is available
// through protocol.SinceOf.
type InitFunc func(ctx *Context, action protocol.Action, meta *protocol.Meta) error

// TypeCallbacks is the handler record for one action type. Access is
// mandatory; everything else is optional.
type TypeCallbacks struct {
	Access  AccessFunc
	Resend  ResendFunc
	Process ProcessFunc
	Finally FinallyFunc
}

// ChannelCallbacks is the handler record for one channel pattern. Access
// is mandatory; everything else is optional.
type ChannelCallbacks struct {
	Access  AccessFunc
	Filter  FilterFactory
	Init    InitFunc
	Finally FinallyFunc
}

// Params is the parameter mapping a channel matcher produced: named
// parameters for ":param" templates, positional captures for regexps.
type Params struct {
	Named      map[string]string
	Positional []string
}

// Get returns the named parameter, or "" if absent.
func (p Params) Get(name string) string {
	return p.Named[name]
}

// channelMatcher resolves a concrete channel name to params. Template and
// regexp registrations hide behind this single abstraction. key is the
// pattern's shape with parameter names erased, so "user/:id" and
// "user/:name" collide at registration time.
type channelMatcher interface {
	match(name string) (Params, bool)
	source() string
	key() string
}

// templateMatcher matches "user/:id"-style patterns segment by segment.
type templateMatcher struct {
	src      string
	segments []string
}

func newTemplateMatcher(pattern string) *templateMatcher {
	return &templateMatcher{src: pattern, segments: strings.Split(pattern, "/")}
}

func (m *templateMatcher) source() string { return m.src }

func (m *templateMatcher) key() string {
	parts := make([]string, len(m.segments))
	for i, seg := range m.segments {
		if strings.HasPrefix(seg, ":") {
			parts[i] = ":"
			continue
		}
		parts[i] = seg
	}
	return strings.Join(parts, "/")
}

func (m *templateMatcher) match(name string) (Params, bool) {
	parts := strings.Split(name, "/")
	if len(parts) != len(m.segments) {
		return Params{}, false
	}
	var named map[string]string
	for i, seg := range m.segments {
		if strings.HasPrefix(seg, ":") {
			if named == nil {
				named = make(map[string]string)
			}
			named[seg[1:]] = parts[i]
			continue
		}
		if seg != parts[i] {
			return Params{}, false
		}
	}
	return Params{Named: named}, true
}

// regexpMatcher matches channel names against a regular expression,
// producing positional captures.
type regexpMatcher struct {
	re *regexp.Regexp
}

func (m *regexpMatcher) source() string { return m.re.String() }

func (m *regexpMatcher) key() string { return m.re.String() }

func (m *regexpMatcher) match(name string) (Params, bool) {
	sub := m.re.FindStringSubmatch(name)
	if sub == nil {
		return Params{}, false
	}
	return Params{Positional: sub[1:]}, true
}

type channelRegistration struct {
	matcher   channelMatcher
	callbacks ChannelCallbacks
}

// registry maps action types and channel patterns to their handler
// records. Registrations freeze once the server starts listening.
type registry struct {
	types        map[string]*TypeCallbacks
	otherType    *TypeCallbacks
	channels     []channelRegistration
	otherChannel *ChannelCallbacks
	frozen       atomic.Bool
}

func newRegistry() *registry {
	return &registry{types: make(map[string]*TypeCallbacks)}
}

func (r *registry) registerType(name string, cb TypeCallbacks) error {
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if name == "" {
		return fmt.Errorf("server: empty action type")
	}
	if cb.Access == nil {
		return fmt.Errorf("%w: type %q", ErrNoAccessCallback, name)
	}
	if _, ok := r.types[name]; ok {
		return fmt.Errorf("%w: type %q", ErrAlreadyRegistered, name)
	}
	r.types[name] = &cb
	return nil
}

func (r *registry) registerOtherType(cb TypeCallbacks) error {
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if cb.Access == nil {
		return fmt.Errorf("%w: other type", ErrNoAccessCallback)
	}
	if r.otherType != nil {
		return fmt.Errorf("%w: other type", ErrAlreadyRegistered)
	}
	r.otherType = &cb
	return nil
}

func (r *registry) registerChannel(m channelMatcher, cb ChannelCallbacks) error {
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if cb.Access == nil {
		return fmt.Errorf("%w: channel %q", ErrNoAccessCallback, m.source())
	}
	for _, reg := range r.channels {
		if reg.matcher.key() == m.key() {
			return fmt.Errorf("%w: channel %q", ErrAlreadyRegistered, m.source())
		}
	}
	r.channels = append(r.channels, channelRegistration{matcher: m, callbacks: cb})
	return nil
}

func (r *registry) registerOtherChannel(cb ChannelCallbacks) error {
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if cb.Access == nil {
		return fmt.Errorf("%w: other channel", ErrNoAccessCallback)
	}
	if r.otherChannel != nil {
		return fmt.Errorf("%w: other channel", ErrAlreadyRegistered)
	}
	r.otherChannel = &cb
	return nil
}

// resolveType returns the callbacks for an action type, falling back to
// the "other type" registration.
func (r *registry) resolveType(typ string) (*TypeCallbacks, bool) {
	if cb, ok := r.types[typ]; ok {
		return cb, true
	}
	if r.otherType != nil {
		return r.otherType, true
	}
	return nil, false
}

// resolveChannel resolves a concrete channel name to callbacks and params.
// Registrations are tried in registration order; the "other channel"
// fallback matches anything with empty params.
func (r *registry) resolveChannel(name string) (*ChannelCallbacks, Params, bool) {
	for i := range r.channels {
		if params, ok := r.channels[i].matcher.match(name); ok {
			return &r.channels[i].callbacks, params, true
		}
	}
	if r.otherChannel != nil {
		return r.otherChannel, Params{}, true
	}
	return nil, Params{}, false
}

func (r *registry) freeze() {
	r.frozen.Store(true)
}
