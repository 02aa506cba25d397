package llm

import (
	"context"
	"net/http"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	CompleteFunc func(ctx context.Context, req *Request) (*Response, error)
}

func (m *MockProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &Response{Content: "mock response"}, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	resp, err := provider.Complete(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "test"}}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "mock response" {
		t.Errorf("unexpected content %q", resp.Content)
	}
}

func TestStatusErrorTemporary(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusInternalServerError, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		err := &StatusError{Code: tt.code, Body: "x"}
		if got := err.Temporary(); got != tt.want {
			t.Errorf("status %d: Temporary() = %v, want %v", tt.code, got, tt.want)
		}
	}
}
