package core

import (
	"fmt"
	"strings"
)

// Role prefixes used in AgentIdentity.Role tags.
const (
	KindDiscovery = "discovery"
	KindContext   = "context"
	KindFactCheck = "factcheck"
	KindSynthesis = "synthesis"
)

// OrchestratorID is the sender identity used for messages issued by the pipeline itself.
const OrchestratorID = "orchestrator"

// AgentIdentity is the stable, immutable name of a registered agent.
type AgentIdentity struct {
	ID   string `json:"id"`
	Role string `json:"role"` // e.g. "discovery:politics", "context:greek", "factcheck"
}

// NewIdentity builds an identity, using the role as ID when id is empty.
func NewIdentity(id, role string) AgentIdentity {
	id = strings.TrimSpace(id)
	role = strings.TrimSpace(role)
	if id == "" {
		id = role
	}
	return AgentIdentity{ID: id, Role: role}
}

// Kind returns the role prefix (the part before ':').
func (a AgentIdentity) Kind() string {
	if i := strings.IndexByte(a.Role, ':'); i >= 0 {
		return a.Role[:i]
	}
	return a.Role
}

// Qualifier returns the part of the role after ':' or "".
func (a AgentIdentity) Qualifier() string {
	if i := strings.IndexByte(a.Role, ':'); i >= 0 {
		return a.Role[i+1:]
	}
	return ""
}

// Essential reports whether a failure of this agent fails the whole story.
func (a AgentIdentity) Essential() bool {
	switch a.Kind() {
	case KindDiscovery, KindSynthesis:
		return true
	}
	return false
}

// IsZero reports whether the identity is unset.
func (a AgentIdentity) IsZero() bool { return a.ID == "" }

func (a AgentIdentity) String() string {
	if a.Role == "" || a.Role == a.ID {
		return a.ID
	}
	return fmt.Sprintf("%s(%s)", a.ID, a.Role)
}
