// Package delivery routes agent notices back to where their task came from.
package delivery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/agentfs/internal/types"
)

// Handler delivers a message to an origin such as "telegram:42".
type Handler func(origin types.Origin, message string) error

// Registry routes messages to the handler registered for the longest
// matching origin prefix.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for origins starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Handles reports whether some handler accepts origin.
func (r *Registry) Handles(origin types.Origin) bool {
	_, ok := r.match(origin)
	return ok
}

func (r *Registry) match(origin types.Origin) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best    Handler
		bestLen = -1
	)
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(string(origin), prefix) && len(prefix) > bestLen {
			best, bestLen = handler, len(prefix)
		}
	}
	return best, bestLen >= 0
}

// Deliver calls the handler for origin. Returns an error if no handler
// is registered for it.
func (r *Registry) Deliver(origin types.Origin, message string) error {
	handler, ok := r.match(origin)
	if !ok {
		return fmt.Errorf("no delivery handler for origin: %s", origin)
	}
	return handler(origin, message)
}

// Notice renders the message sent when an agent reaches REVIEWING or a
// terminal state.
func Notice(rec *types.AgentRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "agent %s is %s", rec.AgentID, rec.State)
	if task := firstLine(rec.Task); task != "" {
		fmt.Fprintf(&b, "\ntask: %s", task)
	}
	switch rec.State {
	case types.StateReviewing:
		if rec.Submission != nil {
			fmt.Fprintf(&b, "\nsummary: %s", rec.Submission.Summary)
			for _, c := range rec.Submission.Changed {
				fmt.Fprintf(&b, "\n  %s", c)
			}
		}
		fmt.Fprintf(&b, "\nreply /accept %s or /reject %s", rec.AgentID, rec.AgentID)
	case types.StateErrored:
		if rec.Error != "" {
			fmt.Fprintf(&b, "\nerror: %s", rec.Error)
		}
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	return s
}
