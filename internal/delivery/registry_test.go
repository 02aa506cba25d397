package delivery

import (
	"strings"
	"testing"

	"github.com/user/agentfs/internal/types"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotOrigin types.Origin
	var gotMsg string
	reg.Register("test:", func(origin types.Origin, message string) error {
		gotOrigin = origin
		gotMsg = message
		return nil
	})

	if err := reg.Deliver("test:123", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotOrigin != "test:123" {
		t.Errorf("expected origin %q, got %q", "test:123", gotOrigin)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Deliver("unknown:1", "x"); err == nil {
		t.Fatal("expected error for unregistered origin")
	}
	if reg.Handles("unknown:1") {
		t.Error("Handles should be false")
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	reg := NewRegistry()
	var hit string
	reg.Register("telegram:", func(types.Origin, string) error { hit = "all"; return nil })
	reg.Register("telegram:ops:", func(types.Origin, string) error { hit = "ops"; return nil })

	for i := 0; i < 20; i++ {
		if err := reg.Deliver("telegram:ops:42", "m"); err != nil {
			t.Fatal(err)
		}
		if hit != "ops" {
			t.Fatalf("expected ops handler, got %s", hit)
		}
	}
	if err := reg.Deliver("telegram:42", "m"); err != nil || hit != "all" {
		t.Fatalf("expected generic handler, got %s (%v)", hit, err)
	}
}

func TestNotice(t *testing.T) {
	rec := &types.AgentRecord{
		AgentID: "abc",
		Task:    "rename foo\nand more",
		State:   types.StateReviewing,
		Submission: &types.Submission{
			Summary: "renamed foo to bar",
			Changed: []string{"modified main.go"},
		},
	}
	msg := Notice(rec)
	for _, want := range []string{"agent abc is REVIEWING", "task: rename foo ...", "renamed foo to bar", "modified main.go", "/accept abc"} {
		if !strings.Contains(msg, want) {
			t.Errorf("notice missing %q:\n%s", want, msg)
		}
	}

	rec = &types.AgentRecord{AgentID: "abc", State: types.StateErrored, Error: "boom"}
	if msg := Notice(rec); !strings.Contains(msg, "error: boom") {
		t.Errorf("errored notice missing error:\n%s", msg)
	}
}
