package config

import (
	"reflect"
	"sort"
)

// Diff classifies entities between two snapshots. The sets are disjoint and
// sorted for stable iteration.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the diff carries no entity changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// ComputeDiff classifies every entity id as Added, Removed, or Changed.
// Comparison is structural deep equality over normalized Entity records, so
// field order and absent-vs-empty distinctions do not register as changes.
// An entity also counts as Changed when a model, tool server, or knowledge
// base it references changed between snapshots.
func ComputeDiff(old, new *Snapshot) Diff {
	var d Diff

	oldEnts := entityMap(old)
	newEnts := entityMap(new)

	for id, newEnt := range newEnts {
		oldEnt, ok := oldEnts[id]
		if !ok {
			d.Added = append(d.Added, id)
			continue
		}
		if !reflect.DeepEqual(oldEnt, newEnt) || referencesChanged(old, new, newEnt) {
			d.Changed = append(d.Changed, id)
		}
	}
	for id := range oldEnts {
		if _, ok := newEnts[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func entityMap(s *Snapshot) map[string]Entity {
	out := make(map[string]Entity)
	for _, e := range s.Entities() {
		out[e.ID] = e
	}
	return out
}

// referencesChanged reports whether any model, tool, or knowledge base the
// entity points at differs between the snapshots. Referenced objects are not
// entities themselves; a change to one surfaces as Changed on every entity
// that uses it.
func referencesChanged(old, new *Snapshot, e Entity) bool {
	if e.Model != "" {
		oldM, okOld := old.Model(e.Model)
		newM, okNew := new.Model(e.Model)
		if okOld != okNew || !reflect.DeepEqual(oldM, newM) {
			return true
		}
	}
	for _, id := range e.Tools {
		if !reflect.DeepEqual(toolSpec(old, id), toolSpec(new, id)) {
			return true
		}
	}
	for _, id := range e.KnowledgeBases {
		if !reflect.DeepEqual(kbSpec(old, id), kbSpec(new, id)) {
			return true
		}
	}
	return false
}

func toolSpec(s *Snapshot, id string) *ToolSpec {
	for _, t := range s.Tools {
		if t.ID == id {
			spec := t
			return &spec
		}
	}
	return nil
}

func kbSpec(s *Snapshot, id string) *KnowledgeBaseSpec {
	for _, kb := range s.KnowledgeBases {
		if kb.ID == id {
			spec := kb
			return &spec
		}
	}
	return nil
}
