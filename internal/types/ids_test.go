package types

import (
	"testing"
)

func TestNewAgentID(t *testing.T) {
	id := NewAgentID()
	if id == "" {
		t.Error("expected non-empty AgentID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestParseAgentID(t *testing.T) {
	id := NewAgentID()
	parsed, err := ParseAgentID(" " + string(id) + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Errorf("expected %s, got %s", id, parsed)
	}
	if _, err := ParseAgentID("not-an-id"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestOverlayCatalogRoundTrip(t *testing.T) {
	id := NewAgentID()
	name := OverlayCatalog(id)
	if string(name) != "agent-"+string(id) {
		t.Errorf("unexpected catalog name %s", name)
	}
	back, ok := AgentFromCatalog(name)
	if !ok || back != id {
		t.Errorf("expected %s, got %s (ok=%v)", id, back, ok)
	}
	if _, ok := AgentFromCatalog(StableCatalog); ok {
		t.Error("stable must not parse as an agent catalog")
	}
}

func TestOriginFormat(t *testing.T) {
	o := NewOrigin("telegram", "123")
	if o != Origin("telegram:123") {
		t.Errorf("expected telegram:123, got %s", o)
	}
}
