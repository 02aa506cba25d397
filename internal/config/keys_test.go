package config

import (
	"reflect"
	"strings"
	"testing"
)

func TestFlattenUnflatten(t *testing.T) {
	nested := map[string]any{
		"log_level": "info",
		"llm": map[string]any{
			"model":      "gpt-4o-mini",
			"max_tokens": float64(2000),
		},
		"sync":  map[string]any{"ignore": []any{".git"}},
		"empty": map[string]any{},
	}
	flat := Flatten(nested)
	want := map[string]any{
		"log_level":      "info",
		"llm.model":      "gpt-4o-mini",
		"llm.max_tokens": float64(2000),
		"sync.ignore":    []any{".git"},
	}
	if !reflect.DeepEqual(flat, want) {
		t.Fatalf("Flatten = %v, want %v", flat, want)
	}

	back, err := Unflatten(flat)
	if err != nil {
		t.Fatalf("Unflatten: %v", err)
	}
	delete(nested, "empty")
	if !reflect.DeepEqual(back, nested) {
		t.Errorf("round trip = %v, want %v", back, nested)
	}
}

func TestUnflattenConflict(t *testing.T) {
	tests := []map[string]any{
		{"llm": "x", "llm.model": "y"},
		{"a.b": 1, "a.b.c": 2},
	}
	for _, flat := range tests {
		if _, err := Unflatten(flat); err == nil {
			t.Errorf("Unflatten(%v) should fail", flat)
		}
	}
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[string]any{"b.x": 1, "a": 2, "b.a": 3})
	if strings.Join(got, ",") != "a,b.a,b.x" {
		t.Errorf("got %v", got)
	}
}

func TestIsSecretKey(t *testing.T) {
	tests := map[string]bool{
		"llm.api_key":     true,
		"telegram.token":  true,
		"llm.max_tokens":  false,
		"llm.model":       false,
		"token":           true,
		"http.listen":     false,
		"review.policy":   false,
		"telegram.tokens": false,
	}
	for key, want := range tests {
		if got := IsSecretKey(key); got != want {
			t.Errorf("IsSecretKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"llm.api_key":    "sk-abcdefgh1234",
		"telegram.token": "short",
		"llm.model":      "gpt-4o-mini",
		"other.token":    "",
	}
	got := MaskSecrets(flat)
	want := map[string]any{
		"llm.api_key":    "***1234",
		"telegram.token": "***",
		"llm.model":      "gpt-4o-mini",
		"other.token":    "",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MaskSecrets = %v, want %v", got, want)
	}
	if flat["llm.api_key"] != "sk-abcdefgh1234" {
		t.Error("input must not be modified")
	}
}

func TestKnownKey(t *testing.T) {
	for _, key := range []string{"max_concurrent_agents", "execution.timeout", "telegram.allowed_chats", "sync.root"} {
		if !KnownKey(key) {
			t.Errorf("%s should be known", key)
		}
	}
	for _, key := range []string{"brave.api_key", "llm", "execution.timeout.x"} {
		if KnownKey(key) {
			t.Errorf("%s should be unknown", key)
		}
	}
}
