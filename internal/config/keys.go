package config

import (
	"fmt"
	"sort"
	"strings"
)

// Keys address config values by their dot-separated JSON path, for
// example "execution.timeout" or "llm.api_key".

// secretNames are final key segments whose values are never printed.
var secretNames = map[string]bool{
	"api_key": true,
	"token":   true,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return secretNames[key[strings.LastIndex(key, ".")+1:]]
}

// KnownKey reports whether key names a field of Config.
func KnownKey(key string) bool {
	m, err := ToMap(Default())
	if err != nil {
		return false
	}
	_, ok := Flatten(m)[key]
	return ok
}

// Flatten turns nested objects into dot-separated keys. Lists and scalars
// are leaves; empty objects vanish.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten rebuilds the nested form. A key that is both a leaf and the
// parent of another key is an error.
func Unflatten(flat map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	for _, key := range SortedKeys(flat) {
		parts := strings.Split(key, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := node[part]
			if !ok {
				child := make(map[string]any)
				node[part] = child
				node = child
				continue
			}
			child, ok := next.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config key %s conflicts with value at %s", key, part)
			}
			node = child
		}
		leaf := parts[len(parts)-1]
		if _, ok := node[leaf].(map[string]any); ok {
			return nil, fmt.Errorf("config key %s is a section", key)
		}
		node[leaf] = flat[key]
	}
	return out, nil
}

// SortedKeys returns the keys of flat in lexical order.
func SortedKeys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Mask hides a secret, keeping the last four characters of long values
// so that operators can tell keys apart.
func Mask(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	if len(s) <= 8 {
		return "***"
	}
	return "***" + s[len(s)-4:]
}

// MaskSecrets returns a copy of flat with every secret masked.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if IsSecretKey(k) {
			v = Mask(v)
		}
		out[k] = v
	}
	return out
}
