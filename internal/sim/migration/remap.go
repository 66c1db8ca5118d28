package migration

import (
	"sort"

	"handover.ai/internal/sim/runtime"
)

// Remap maps identifiers of freshly spawned entities from the predecessor's
// id space to the successor's. Entities resumed with their original id never
// appear here. A Remap is read-only once Reconcile has returned it.
type Remap struct {
	ids map[runtime.EntityID]runtime.EntityID
}

type IDPair struct {
	Old runtime.EntityID `json:"old"`
	New runtime.EntityID `json:"new"`
}

func (m *Remap) Lookup(old runtime.EntityID) (runtime.EntityID, bool) {
	if m == nil {
		return 0, false
	}
	id, ok := m.ids[old]
	return id, ok
}

func (m *Remap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.ids)
}

// Pairs returns every mapping ordered by old id.
func (m *Remap) Pairs() []IDPair {
	if m == nil {
		return nil
	}
	out := make([]IDPair, 0, len(m.ids))
	for o, n := range m.ids {
		out = append(out, IDPair{Old: o, New: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Old < out[j].Old })
	return out
}
