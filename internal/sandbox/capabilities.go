// Package sandbox binds executing agent code to its overlay and runs it in
// an interpreter with no other access to the host.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gobwas/glob"

	"github.com/user/agentfs/internal/overlay"
	"github.com/user/agentfs/internal/types"
)

// Capabilities is the storage surface handed to agent code. It is bound
// to one agent overlay and cannot reach stable or another agent.
type Capabilities struct {
	ctx   context.Context
	view  *overlay.View
	agent types.AgentID
	quota int64

	mu        sync.Mutex
	written   int64
	submitted bool
}

var _ types.Capabilities = (*Capabilities)(nil)

// NewCapabilities validates that view is writable only into an agent
// overlay. Writes beyond limits.MemoryBytes in total (when positive) fail
// with ErrResourceLimit.
func NewCapabilities(ctx context.Context, view *overlay.View, limits types.Limits) (*Capabilities, error) {
	if view == nil {
		return nil, fmt.Errorf("capabilities: nil view")
	}
	agent, ok := types.AgentFromCatalog(view.Top().Name())
	if !ok {
		return nil, fmt.Errorf("capabilities: top layer %s is not an agent overlay", view.Top().Name())
	}
	return &Capabilities{ctx: ctx, view: view, agent: agent, quota: limits.MemoryBytes}, nil
}

func (c *Capabilities) Agent() types.AgentID { return c.agent }

func (c *Capabilities) ReadFile(path string) ([]byte, error) {
	return c.view.ReadFile(c.ctx, path)
}

func (c *Capabilities) WriteFile(path string, data []byte) error {
	c.mu.Lock()
	if c.quota > 0 && c.written+int64(len(data)) > c.quota {
		c.mu.Unlock()
		return &types.ExecutionError{
			Kind: types.ErrResourceLimit,
			Err:  fmt.Errorf("write %s: %d bytes over a %d byte quota", path, c.written+int64(len(data)), c.quota),
		}
	}
	c.written += int64(len(data))
	c.mu.Unlock()
	return c.view.WriteFile(c.ctx, path, data)
}

func (c *Capabilities) ListDir(path string) ([]types.DirEntry, error) {
	return c.view.List(c.ctx, path)
}

// Search returns the sorted file paths matching a glob pattern, where
// '*' stays within one path segment and '**' crosses them.
func (c *Capabilities) Search(pattern string) ([]string, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", pattern, err)
	}
	files, err := c.view.Files(c.ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if g.Match(f) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SubmitResult accepts one summary per execution. The executor records
// the summary itself.
func (c *Capabilities) SubmitResult(summary string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitted {
		return fmt.Errorf("result already submitted")
	}
	c.submitted = true
	return nil
}
