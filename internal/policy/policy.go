// Package policy implements the scope enablement predicates: whether
// long-term memory is active for a given group or user. Every other
// component consults these predicates before touching the store.
package policy

import (
	"github.com/nextlevelbuilder/memoclaw/internal/config"
)

// Policy answers enablement questions from the current config snapshot.
type Policy struct {
	cfg *config.Manager
}

// New creates a policy backed by cfg.
func New(cfg *config.Manager) *Policy {
	return &Policy{cfg: cfg}
}

// GroupEnabled reports whether group memory is active for scopeID.
// An empty allow-list disables group memory for all scopes.
func (p *Policy) GroupEnabled(scopeID string) bool {
	mc := p.cfg.Get().Memory
	if !mc.Enabled || scopeID == "" {
		return false
	}
	for _, id := range mc.GroupAllowList {
		if id == scopeID {
			return true
		}
	}
	return false
}

// UserEnabled reports whether user memory is active for userID.
// A non-empty allow-list is authoritative; otherwise everyone not on the
// deny-list is enabled.
func (p *Policy) UserEnabled(userID string) bool {
	mc := p.cfg.Get().Memory
	if !mc.Enabled || userID == "" {
		return false
	}
	if len(mc.UserAllowList) > 0 {
		for _, id := range mc.UserAllowList {
			if id == userID {
				return true
			}
		}
		return false
	}
	for _, id := range mc.UserDenyList {
		if id == userID {
			return false
		}
	}
	return true
}

// EnabledGroups returns the scopes with group memory active, in config
// order. Used by the history poller to enumerate scopes.
func (p *Policy) EnabledGroups() []string {
	mc := p.cfg.Get().Memory
	if !mc.Enabled {
		return nil
	}
	groups := make([]string, 0, len(mc.GroupAllowList))
	for _, id := range mc.GroupAllowList {
		if id != "" {
			groups = append(groups, id)
		}
	}
	return groups
}
