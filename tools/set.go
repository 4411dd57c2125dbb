package tools

import (
	"slices"
	"strings"

	"go.uber.org/zap"
)

// Set is the fixed collection of tools offered to a model for one query.
// It is built once and only read afterwards, so it needs no locking.
type Set struct {
	byName map[string]Tool
	sorted []Tool
}

// NewSet indexes ts by tool name. When two tools share a name the later one
// wins; tools without a name are skipped.
func NewSet(ts []Tool) *Set {
	s := &Set{byName: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		name := Name(t)
		if name == "" {
			zap.S().Warnw("tool_unnamed_skipped")
			continue
		}
		if _, dup := s.byName[name]; dup {
			zap.S().Debugw("tool_shadowed", "tool", name)
		}
		s.byName[name] = t
	}

	s.sorted = make([]Tool, 0, len(s.byName))
	for _, t := range s.byName {
		s.sorted = append(s.sorted, t)
	}
	slices.SortFunc(s.sorted, func(a, b Tool) int { return strings.Compare(Name(a), Name(b)) })
	return s
}

// Get looks a tool up by the name a model called it with.
func (s *Set) Get(name string) (Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.byName[name]
	return t, ok
}

// All returns the tools ordered by name.
func (s *Set) All() []Tool {
	if s == nil {
		return nil
	}
	return slices.Clone(s.sorted)
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sorted)
}
