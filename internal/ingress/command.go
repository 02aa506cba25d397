// Package ingress turns every external request, whether CLI, HTTP, signal
// file or chat, into one Command envelope handled by a Dispatcher.
package ingress

import (
	"errors"
	"fmt"

	"github.com/user/agentfs/internal/stablesync"
	"github.com/user/agentfs/internal/types"
)

// Kind names a command.
type Kind string

const (
	KindSpawn       Kind = "spawn"
	KindQueue       Kind = "queue"
	KindAccept      Kind = "accept"
	KindReject      Kind = "reject"
	KindStatus      Kind = "status"
	KindList        Kind = "list"
	KindCancel      Kind = "cancel"
	KindMaterialize Kind = "materialize"
	KindEvents      Kind = "events"
	KindDiff        Kind = "diff"
	KindSync        Kind = "sync"
	KindRun         Kind = "run"
)

// ErrBadCommand marks a malformed envelope.
var ErrBadCommand = errors.New("bad command")

// TaskSpec is one entry of a batch queue command.
type TaskSpec struct {
	Task     string `json:"task" yaml:"task"`
	Priority string `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Command is the envelope every ingress produces. Agent accepts a full
// id or an unambiguous prefix.
type Command struct {
	Kind     Kind          `json:"kind" yaml:"kind"`
	Agent    string        `json:"agent,omitempty" yaml:"agent,omitempty"`
	Task     string        `json:"task,omitempty" yaml:"task,omitempty"`
	Priority string        `json:"priority,omitempty" yaml:"priority,omitempty"`
	Origin   types.Origin  `json:"origin,omitempty" yaml:"origin,omitempty"`
	Tasks    []TaskSpec    `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	States   []types.State `json:"states,omitempty" yaml:"states,omitempty"`
	Template string        `json:"template,omitempty" yaml:"template,omitempty"`
}

func badCommand(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadCommand, fmt.Sprintf(format, args...))
}

// Validate checks the fields each kind needs.
func (c *Command) Validate() error {
	switch c.Kind {
	case KindSpawn:
		if c.Task == "" {
			return badCommand("spawn needs a task")
		}
		if _, err := types.ParsePriority(c.Priority); err != nil {
			return badCommand("%v", err)
		}
	case KindQueue:
		if len(c.Tasks) == 0 {
			return badCommand("queue needs at least one task")
		}
		for i, t := range c.Tasks {
			if t.Task == "" {
				return badCommand("queue entry %d has no task", i)
			}
			if _, err := types.ParsePriority(t.Priority); err != nil {
				return badCommand("queue entry %d: %v", i, err)
			}
		}
	case KindAccept, KindReject, KindStatus, KindCancel, KindMaterialize, KindEvents, KindDiff:
		if c.Agent == "" {
			return badCommand("%s needs an agent id", c.Kind)
		}
	case KindList:
		for _, s := range c.States {
			if _, err := types.ParseState(string(s)); err != nil {
				return badCommand("%v", err)
			}
		}
	case KindRun:
		if c.Template == "" {
			return badCommand("run needs a template name")
		}
	case KindSync:
	case "":
		return badCommand("missing kind")
	default:
		return badCommand("unknown kind %q", c.Kind)
	}
	return nil
}

// Result is the reply to a Command. Exactly the fields relevant to the
// kind are set.
type Result struct {
	Error   string               `json:"error,omitempty"`
	Agent   *types.AgentRecord   `json:"agent,omitempty"`
	Agents  []*types.AgentRecord `json:"agents,omitempty"`
	Events  []*types.Event       `json:"events,omitempty"`
	Changes []types.Change       `json:"changes,omitempty"`
	Path    string               `json:"path,omitempty"`
	Sync    *stablesync.Result   `json:"sync,omitempty"`
}
