// internal/types/models.go
package types

import (
	"fmt"
	"strings"
	"time"
)

// State is a step of the agent lifecycle.
type State string

const (
	StateQueued     State = "QUEUED"
	StateSpawning   State = "SPAWNING"
	StateGenerating State = "GENERATING"
	StateExecuting  State = "EXECUTING"
	StateSubmitting State = "SUBMITTING"
	StateReviewing  State = "REVIEWING"
	StateAccepted   State = "ACCEPTED"
	StateRejected   State = "REJECTED"
	StateErrored    State = "ERRORED"
)

// AllStates lists the states in pipeline order.
var AllStates = []State{
	StateQueued, StateSpawning, StateGenerating, StateExecuting, StateSubmitting,
	StateReviewing, StateAccepted, StateRejected, StateErrored,
}

func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected || s == StateErrored
}

// InFlight reports whether an agent in this state was mid-pipeline, i.e.
// holding an overlay and a collaborator call that cannot be resumed.
func (s State) InFlight() bool {
	switch s {
	case StateSpawning, StateGenerating, StateExecuting, StateSubmitting:
		return true
	}
	return false
}

func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllStates {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown state: %q", s)
}

// Priority orders queued work. Higher values are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Submission is what an executed agent hands back for review.
type Submission struct {
	Summary   string    `json:"summary"`
	Changed   []string  `json:"changed,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentRecord is the persisted, canonical state of one agent.
type AgentRecord struct {
	AgentID        AgentID     `json:"agent_id"`
	Task           string      `json:"task"`
	Priority       Priority    `json:"priority"`
	State          State       `json:"state"`
	CreatedAt      time.Time   `json:"created_at"`
	StateChangedAt time.Time   `json:"state_changed_at"`
	OverlayRef     CatalogName `json:"overlay_ref,omitempty"`
	Origin         Origin      `json:"origin,omitempty"`
	Submission     *Submission `json:"submission,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (r *AgentRecord) Clone() *AgentRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Submission != nil {
		sub := *r.Submission
		sub.Changed = append([]string(nil), r.Submission.Changed...)
		c.Submission = &sub
	}
	return &c
}

// Event is one entry of an agent's append-only transition log.
type Event struct {
	AgentID   AgentID   `json:"agent_id" cbor:"1,keyasint"`
	Seq       int64     `json:"seq" cbor:"2,keyasint"`
	From      State     `json:"from_state" cbor:"3,keyasint"`
	To        State     `json:"to_state" cbor:"4,keyasint"`
	Cause     string    `json:"cause" cbor:"5,keyasint"`
	Timestamp time.Time `json:"timestamp" cbor:"6,keyasint"`
}

// Task is a unit of work handed to the scheduler.
type Task struct {
	AgentID  AgentID
	Prompt   string
	Priority Priority
	Seq      uint64
	// Resume marks an agent recovered in REVIEWING whose pipeline only
	// needs to wait for a decision.
	Resume bool
}

// EntryKind distinguishes files from directories in listings.
type EntryKind string

const (
	KindFile EntryKind = "file"
	KindDir  EntryKind = "dir"
)

// DirEntry is one resolved entry of a directory listing.
type DirEntry struct {
	Name string    `json:"name"`
	Kind EntryKind `json:"kind"`
	Size int64     `json:"size"`
}

// FileInfo describes a resolved path.
type FileInfo struct {
	Path      string    `json:"path"`
	Kind      EntryKind `json:"kind"`
	Size      int64     `json:"size"`
	LinkCount int       `json:"link_count"`
	ModTime   time.Time `json:"mtime"`
}

// ChangeKind classifies one path of an overlay diff.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

type Change struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}
