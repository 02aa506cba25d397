// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

// Generator turns a task description into agent code.
type Generator interface {
	Generate(ctx context.Context, task *GenerateRequest) (string, error)
}

// GenerateRequest carries the task plus a read-only view of the agent's
// workspace for prompt building.
type GenerateRequest struct {
	AgentID AgentID
	Prompt  string
	Files   []string
	Read    func(path string) ([]byte, error)
}

// Capabilities is the only surface an executing agent may use to touch
// storage. An implementation is bound to exactly one agent overlay.
type Capabilities interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	ListDir(path string) ([]DirEntry, error)
	Search(pattern string) ([]string, error)
	SubmitResult(summary string) error
}

// Limits bounds one execution.
type Limits struct {
	Timeout     time.Duration
	MemoryBytes int64
}

// Executor runs generated code against a capability set.
type Executor interface {
	Run(ctx context.Context, code string, caps Capabilities, limits Limits) (*Submission, error)
}
