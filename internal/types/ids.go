// internal/types/ids.go
package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type AgentID string
type CatalogName string
type Origin string

const (
	StableCatalog CatalogName = "stable"
	BinCatalog    CatalogName = "bin"
)

func NewAgentID() AgentID {
	return AgentID(uuid.New().String())
}

// ParseAgentID accepts the canonical UUID form used by NewAgentID.
func ParseAgentID(s string) (AgentID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("parse agent id %q: %w", s, err)
	}
	return AgentID(u.String()), nil
}

// OverlayCatalog names the private catalog an agent writes into.
func OverlayCatalog(id AgentID) CatalogName {
	return CatalogName("agent-" + string(id))
}

// AgentFromCatalog is the inverse of OverlayCatalog.
func AgentFromCatalog(name CatalogName) (AgentID, bool) {
	rest, ok := strings.CutPrefix(string(name), "agent-")
	if !ok || rest == "" {
		return "", false
	}
	return AgentID(rest), true
}

func NewOrigin(parts ...string) Origin {
	return Origin(strings.Join(parts, ":"))
}
