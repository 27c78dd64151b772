package rules

import (
	"strings"
	"sync"

	"github.com/rerobots/hardshare/pkg/types"
)

// Ruleset is the ordered capability rules for one WD. Evaluation order is
// subject-specific, then class, then wildcard, then default-deny; within a
// level the first match in file order wins.
type Ruleset struct {
	mu    sync.RWMutex
	rules []types.CapabilityRule
}

// New builds a ruleset from rules in file order.
func New(rules []types.CapabilityRule) *Ruleset {
	rs := &Ruleset{}
	rs.rules = append(rs.rules, rules...)
	return rs
}

// Replace swaps in a new ordered rule list, as delivered by a CONTROL_RULE
// frame.
func (rs *Ruleset) Replace(rules []types.CapabilityRule) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = append(rs.rules[:0], rules...)
}

// Add appends one rule, preserving file order.
func (rs *Ruleset) Add(rule types.CapabilityRule) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = append(rs.rules, rule)
}

// Rules returns a copy of the ordered rules.
func (rs *Ruleset) Rules() []types.CapabilityRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]types.CapabilityRule(nil), rs.rules...)
}

// Allowed decides whether subject may perform action. subjectClasses are
// the class names the subject belongs to, matched against "class:"-prefixed
// rule subjects.
func (rs *Ruleset) Allowed(subject, action string, subjectClasses []string) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	// Level 1: subject-specific.
	for _, r := range rs.rules {
		if r.Action != action {
			continue
		}
		if r.Subject == subject && !isClass(r.Subject) && r.Subject != "*" {
			return r.Allow
		}
	}

	// Level 2: class.
	for _, r := range rs.rules {
		if r.Action != action || !isClass(r.Subject) {
			continue
		}
		class := strings.TrimPrefix(r.Subject, "class:")
		for _, sc := range subjectClasses {
			if sc == class {
				return r.Allow
			}
		}
	}

	// Level 3: wildcard.
	for _, r := range rs.rules {
		if r.Action == action && r.Subject == "*" {
			return r.Allow
		}
	}

	// Default-deny.
	return false
}

func isClass(subject string) bool {
	return strings.HasPrefix(subject, "class:")
}
