package overlay

import (
	"sort"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/types"
)

func (s *Snapshot) kvErr(op, ns, key string, err error) error {
	return &types.StorageError{Catalog: s.top().Catalog(), Op: op, Path: ns + "/" + key, Err: err}
}

func (s *Snapshot) kvLookup(ns, key string, from int) (catalog.KVEntry, bool, error) {
	for _, tx := range s.txs[from:] {
		e, found, err := tx.KVGet(ns, key)
		if err != nil {
			return catalog.KVEntry{}, false, err
		}
		if found {
			return e, !e.Deleted, nil
		}
	}
	return catalog.KVEntry{}, false, nil
}

// KVGet returns the value of key from the nearest layer that has it.
func (s *Snapshot) KVGet(ns, key string) ([]byte, error) {
	e, live, err := s.kvLookup(ns, key, 0)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, s.kvErr("kv get", ns, key, types.ErrNotFound)
	}
	return e.Value, nil
}

// KVPut writes key in the top layer.
func (s *Snapshot) KVPut(ns, key string, value []byte) error {
	if !s.writable {
		return s.kvErr("kv put", ns, key, errReadOnlySnapshot)
	}
	return s.top().KVPut(ns, key, value)
}

// KVDelete hides key. A whiteout is left only when a lower layer still
// holds a live value.
func (s *Snapshot) KVDelete(ns, key string) error {
	if !s.writable {
		return s.kvErr("kv delete", ns, key, errReadOnlySnapshot)
	}
	_, live, err := s.kvLookup(ns, key, 0)
	if err != nil {
		return err
	}
	if !live {
		return s.kvErr("kv delete", ns, key, types.ErrNotFound)
	}
	_, below, err := s.kvLookup(ns, key, 1)
	if err != nil {
		return err
	}
	if below {
		return s.top().KVWhiteout(ns, key)
	}
	return s.top().KVDelete(ns, key)
}

// KVPair is one resolved key-value entry.
type KVPair struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// KVList returns the live keys of a namespace with the given prefix,
// sorted by key.
func (s *Snapshot) KVList(ns, prefix string) ([]KVPair, error) {
	seen := make(map[string]bool)
	var out []KVPair
	for _, tx := range s.txs {
		entries, err := tx.KVList(ns, prefix)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if seen[e.Key] {
				continue
			}
			seen[e.Key] = true
			if !e.Deleted {
				out = append(out, KVPair{Key: e.Key, Value: e.Value})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
