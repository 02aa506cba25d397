package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/types"
)

const (
	recordNamespace = "agents"
	eventNamespace  = "events"
)

func recordKey(id types.AgentID) string { return "agent:" + string(id) }

func eventPrefix(id types.AgentID) string { return "event:" + string(id) + ":" }

func eventKey(id types.AgentID, seq int64) string {
	return fmt.Sprintf("%s%010d", eventPrefix(id), seq)
}

// Listener observes committed transitions.
type Listener func(rec *types.AgentRecord, ev *types.Event)

// Mutation adjusts a record as part of a transition.
type Mutation func(rec *types.AgentRecord)

func WithError(msg string) Mutation {
	return func(rec *types.AgentRecord) { rec.Error = msg }
}

func WithSubmission(sub *types.Submission) Mutation {
	return func(rec *types.AgentRecord) { rec.Submission = sub }
}

func WithOverlay(name types.CatalogName) Mutation {
	return func(rec *types.AgentRecord) { rec.OverlayRef = name }
}

// NewAgent describes an agent to create.
type NewAgent struct {
	Task     string
	Priority types.Priority
	Origin   types.Origin
}

// Machine validates transitions and persists each one together with its
// event in a single bin-catalog transaction. Writes for one agent are
// serialized; different agents proceed concurrently.
type Machine struct {
	bin    *catalog.Catalog
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[types.AgentID]*sync.Mutex

	watchMu sync.Mutex
	watches map[types.AgentID]chan struct{}

	listenMu  sync.RWMutex
	listeners []Listener
}

func New(bin *catalog.Catalog, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		bin:     bin,
		logger:  logger.With("component", "lifecycle"),
		now:     time.Now,
		locks:   make(map[types.AgentID]*sync.Mutex),
		watches: make(map[types.AgentID]chan struct{}),
	}
}

// getLock returns the mutex for an agent, creating it if needed.
func (m *Machine) getLock(id types.AgentID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.locks[id] = l
	return l
}

// Lock holds the agent's record lock until the returned func is called.
// Callers that need read-check-act sequences spanning several machine
// calls use it; Transition itself must then not be called under it.
func (m *Machine) Lock(id types.AgentID) func() {
	l := m.getLock(id)
	l.Lock()
	return l.Unlock
}

// Subscribe registers fn for every committed transition.
func (m *Machine) Subscribe(fn Listener) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Create persists a new QUEUED record and its first event.
func (m *Machine) Create(ctx context.Context, spec NewAgent) (*types.AgentRecord, error) {
	now := m.now()
	rec := &types.AgentRecord{
		AgentID:        types.NewAgentID(),
		Task:           spec.Task,
		Priority:       spec.Priority,
		State:          types.StateQueued,
		CreatedAt:      now,
		StateChangedAt: now,
		Origin:         spec.Origin,
	}
	ev := &types.Event{AgentID: rec.AgentID, Seq: 1, To: types.StateQueued, Cause: "enqueued", Timestamp: now}

	unlock := m.Lock(rec.AgentID)
	err := m.bin.Update(ctx, func(tx *catalog.Tx) error {
		return m.write(tx, rec, ev)
	})
	unlock()
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	m.logger.Info("agent created", "agent_id", string(rec.AgentID), "priority", rec.Priority.String())
	m.publish(rec, ev)
	return rec.Clone(), nil
}

// Transition moves an agent to state to. An edge outside the lifecycle
// fails with a TransitionError and leaves record and log unchanged.
func (m *Machine) Transition(ctx context.Context, id types.AgentID, to types.State, cause string, muts ...Mutation) (*types.AgentRecord, error) {
	unlock := m.Lock(id)
	defer unlock()
	return m.transitionLocked(ctx, id, to, cause, muts...)
}

// TransitionLocked is Transition for callers already holding Lock(id).
func (m *Machine) TransitionLocked(ctx context.Context, id types.AgentID, to types.State, cause string, muts ...Mutation) (*types.AgentRecord, error) {
	return m.transitionLocked(ctx, id, to, cause, muts...)
}

func (m *Machine) transitionLocked(ctx context.Context, id types.AgentID, to types.State, cause string, muts ...Mutation) (*types.AgentRecord, error) {
	var (
		rec *types.AgentRecord
		ev  *types.Event
	)
	err := m.bin.Update(ctx, func(tx *catalog.Tx) error {
		var err error
		rec, err = m.load(tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(rec.State, to) {
			return &types.TransitionError{AgentID: id, From: rec.State, To: to}
		}
		events, err := tx.KVList(eventNamespace, eventPrefix(id))
		if err != nil {
			return err
		}
		now := m.now()
		ev = &types.Event{
			AgentID:   id,
			Seq:       int64(len(events)) + 1,
			From:      rec.State,
			To:        to,
			Cause:     cause,
			Timestamp: now,
		}
		for _, mut := range muts {
			mut(rec)
		}
		rec.State = to
		rec.StateChangedAt = now
		return m.write(tx, rec, ev)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("agent transition",
		"agent_id", string(id),
		"from", string(ev.From),
		"to", string(to),
		"cause", cause,
	)
	m.publish(rec, ev)
	return rec.Clone(), nil
}

func (m *Machine) write(tx *catalog.Tx, rec *types.AgentRecord, ev *types.Event) error {
	recData, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	evData, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := tx.KVPut(recordNamespace, recordKey(rec.AgentID), recData); err != nil {
		return err
	}
	return tx.KVPut(eventNamespace, eventKey(rec.AgentID, ev.Seq), evData)
}

func (m *Machine) load(tx *catalog.Tx, id types.AgentID) (*types.AgentRecord, error) {
	e, found, err := tx.KVGet(recordNamespace, recordKey(id))
	if err != nil {
		return nil, err
	}
	if !found || e.Deleted {
		return nil, &types.StorageError{Catalog: tx.Catalog(), Op: "get", Path: recordKey(id), Err: types.ErrNotFound}
	}
	return decodeRecord(e.Value)
}

func (m *Machine) publish(rec *types.AgentRecord, ev *types.Event) {
	m.watchMu.Lock()
	if ch, ok := m.watches[rec.AgentID]; ok {
		close(ch)
		delete(m.watches, rec.AgentID)
	}
	m.watchMu.Unlock()

	m.listenMu.RLock()
	listeners := m.listeners
	m.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(rec.Clone(), ev)
	}
}

// watch returns a channel closed at the agent's next transition.
func (m *Machine) watch(id types.AgentID) <-chan struct{} {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	ch, ok := m.watches[id]
	if !ok {
		ch = make(chan struct{})
		m.watches[id] = ch
	}
	return ch
}

// Get returns the current record.
func (m *Machine) Get(ctx context.Context, id types.AgentID) (*types.AgentRecord, error) {
	var rec *types.AgentRecord
	err := m.bin.View(ctx, func(tx *catalog.Tx) error {
		var err error
		rec, err = m.load(tx, id)
		return err
	})
	return rec, err
}

// List returns records ordered by creation time. With states given, only
// records in one of them are returned.
func (m *Machine) List(ctx context.Context, states ...types.State) ([]*types.AgentRecord, error) {
	want := make(map[types.State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []*types.AgentRecord
	err := m.bin.View(ctx, func(tx *catalog.Tx) error {
		entries, err := tx.KVList(recordNamespace, "agent:")
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Deleted {
				continue
			}
			rec, err := decodeRecord(e.Value)
			if err != nil {
				return err
			}
			if len(want) == 0 || want[rec.State] {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Events returns the agent's transition log in order.
func (m *Machine) Events(ctx context.Context, id types.AgentID) ([]*types.Event, error) {
	var out []*types.Event
	err := m.bin.View(ctx, func(tx *catalog.Tx) error {
		if _, err := m.load(tx, id); err != nil {
			return err
		}
		entries, err := tx.KVList(eventNamespace, eventPrefix(id))
		if err != nil {
			return err
		}
		for _, e := range entries {
			ev, err := decodeEvent(e.Value)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// Recover returns every non-terminal record. It is the only input used to
// rebuild in-memory scheduling state after a restart.
func (m *Machine) Recover(ctx context.Context) ([]*types.AgentRecord, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.AgentRecord
	for _, rec := range all {
		if !rec.State.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// WaitTerminal blocks until the agent reaches a terminal state.
func (m *Machine) WaitTerminal(ctx context.Context, id types.AgentID) (*types.AgentRecord, error) {
	return m.WaitFor(ctx, id, func(s types.State) bool { return s.Terminal() })
}

// WaitFor blocks until the agent's state satisfies done.
func (m *Machine) WaitFor(ctx context.Context, id types.AgentID, done func(types.State) bool) (*types.AgentRecord, error) {
	for {
		changed := m.watch(id)
		rec, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if done(rec.State) {
			return rec, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Prune deletes terminal records, and their events, whose last change is
// older than the cutoff. It returns the number of records removed.
func (m *Machine) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan)
	all, err := m.List(ctx, types.StateAccepted, types.StateRejected, types.StateErrored)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range all {
		if !rec.StateChangedAt.Before(cutoff) {
			continue
		}
		if err := m.delete(ctx, rec.AgentID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("pruned agent records", "count", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

func (m *Machine) delete(ctx context.Context, id types.AgentID) error {
	unlock := m.Lock(id)
	defer unlock()
	err := m.bin.Update(ctx, func(tx *catalog.Tx) error {
		rec, err := m.load(tx, id)
		if err != nil {
			return err
		}
		if !rec.State.Terminal() {
			return fmt.Errorf("agent %s is %s: only terminal records are pruned", id, rec.State)
		}
		events, err := tx.KVList(eventNamespace, eventPrefix(id))
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := tx.KVDelete(eventNamespace, e.Key); err != nil {
				return err
			}
		}
		return tx.KVDelete(recordNamespace, recordKey(id))
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
	return nil
}

// Lookup resolves a full or unambiguous prefix of an agent id.
func (m *Machine) Lookup(ctx context.Context, prefix string) (types.AgentID, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", fmt.Errorf("empty agent id")
	}
	var matches []types.AgentID
	err := m.bin.View(ctx, func(tx *catalog.Tx) error {
		entries, err := tx.KVList(recordNamespace, recordKey(types.AgentID(prefix)))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.Deleted {
				matches = append(matches, types.AgentID(strings.TrimPrefix(e.Key, "agent:")))
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", &types.StorageError{Catalog: m.bin.Name(), Op: "lookup", Path: prefix, Err: types.ErrNotFound}
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("agent id prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}
