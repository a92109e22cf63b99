package server

import (
	"errors"
	"regexp"
	"testing"

	"github.com/synclog-dev/synclog/pkg/protocol"
)

func allowAll(ctx *Context, action protocol.Action, meta *protocol.Meta) (bool, error) {
	return true, nil
}

func TestTypeRegistration(t *testing.T) {
	s := newTestServer(t)

	if err := s.Type("RENAME", TypeCallbacks{Access: allowAll}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}
	cb, ok := s.registry.resolveType("RENAME")
	if !ok || cb == nil {
		t.Fatal("registered type not resolved")
	}
}

func TestTypeDuplicateRegistration(t *testing.T) {
	s := newTestServer(t)

	if err := s.Type("RENAME", TypeCallbacks{Access: allowAll}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}
	err := s.Type("RENAME", TypeCallbacks{Access: allowAll})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate Type = %v, want ErrAlreadyRegistered", err)
	}
}

func TestTypeRequiresAccess(t *testing.T) {
	s := newTestServer(t)

	err := s.Type("RENAME", TypeCallbacks{})
	if !errors.Is(err, ErrNoAccessCallback) {
		t.Errorf("Type without access = %v, want ErrNoAccessCallback", err)
	}
}

func TestRegistryFrozenAfterListen(t *testing.T) {
	s := newTestServer(t)
	s.registry.freeze()

	if err := s.Type("RENAME", TypeCallbacks{Access: allowAll}); !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("Type after freeze = %v, want ErrRegistryFrozen", err)
	}
	if err := s.Channel("user/:id", ChannelCallbacks{Access: allowAll}); !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("Channel after freeze = %v, want ErrRegistryFrozen", err)
	}
}

func TestResolveTypeFallback(t *testing.T) {
	s := newTestServer(t)

	if _, ok := s.registry.resolveType("UNKNOWN"); ok {
		t.Error("unregistered type should not resolve")
	}
	if err := s.OtherType(TypeCallbacks{Access: allowAll}); err != nil {
		t.Fatalf("OtherType failed: %v", err)
	}
	if _, ok := s.registry.resolveType("UNKNOWN"); !ok {
		t.Error("other-type fallback should resolve anything")
	}
}

func TestTemplateMatcherParams(t *testing.T) {
	m := newTemplateMatcher("user/:id/posts/:post")

	params, ok := m.match("user/42/posts/7")
	if !ok {
		t.Fatal("pattern should match")
	}
	if params.Get("id") != "42" {
		t.Errorf("id = %q", params.Get("id"))
	}
	if params.Get("post") != "7" {
		t.Errorf("post = %q", params.Get("post"))
	}
}

func TestTemplateMatcherMismatch(t *testing.T) {
	m := newTemplateMatcher("user/:id")

	for _, name := range []string{"user", "user/1/extra", "group/1"} {
		if _, ok := m.match(name); ok {
			t.Errorf("%q should not match user/:id", name)
		}
	}
}

func TestRegexpMatcherCaptures(t *testing.T) {
	s := newTestServer(t)
	re := regexp.MustCompile(`^posts/(\d+)$`)
	if err := s.ChannelRegexp(re, ChannelCallbacks{Access: allowAll}); err != nil {
		t.Fatalf("ChannelRegexp failed: %v", err)
	}

	_, params, ok := s.registry.resolveChannel("posts/99")
	if !ok {
		t.Fatal("regexp channel should resolve")
	}
	if len(params.Positional) != 1 || params.Positional[0] != "99" {
		t.Errorf("Positional = %v", params.Positional)
	}
}

func TestChannelDuplicatePattern(t *testing.T) {
	s := newTestServer(t)

	if err := s.Channel("user/:id", ChannelCallbacks{Access: allowAll}); err != nil {
		t.Fatalf("Channel failed: %v", err)
	}
	err := s.Channel("user/:id", ChannelCallbacks{Access: allowAll})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate Channel = %v, want ErrAlreadyRegistered", err)
	}

	// Renaming the parameter does not make it a different pattern.
	err = s.Channel("user/:name", ChannelCallbacks{Access: allowAll})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("equivalent Channel = %v, want ErrAlreadyRegistered", err)
	}

	if err := s.Channel("user/:id/posts", ChannelCallbacks{Access: allowAll}); err != nil {
		t.Errorf("distinct shape rejected: %v", err)
	}
}

func TestChannelRegistrationOrderWins(t *testing.T) {
	s := newTestServer(t)

	first := ChannelCallbacks{Access: allowAll}
	second := ChannelCallbacks{Access: allowAll, Init: func(ctx *Context, a protocol.Action, m *protocol.Meta) error { return nil }}
	if err := s.Channel("user/:id", first); err != nil {
		t.Fatalf("Channel failed: %v", err)
	}
	if err := s.Channel(":anything/:id", second); err != nil {
		t.Fatalf("Channel failed: %v", err)
	}

	cb, _, ok := s.registry.resolveChannel("user/1")
	if !ok {
		t.Fatal("channel should resolve")
	}
	if cb.Init != nil {
		t.Error("first registered pattern should win")
	}
}

func TestResolveChannelFallback(t *testing.T) {
	s := newTestServer(t)

	if _, _, ok := s.registry.resolveChannel("nowhere"); ok {
		t.Error("unmatched channel should not resolve")
	}
	if err := s.OtherChannel(ChannelCallbacks{Access: allowAll}); err != nil {
		t.Fatalf("OtherChannel failed: %v", err)
	}
	if _, _, ok := s.registry.resolveChannel("nowhere"); !ok {
		t.Error("other-channel fallback should resolve anything")
	}
}
