package localsim

import (
	"fmt"
	"sort"
	"strings"

	"handover.ai/internal/sim/runtime"
)

type TransformKind uint8

const (
	TransformNone TransformKind = iota
	TransformPosition
	TransformPositionRotation
)

type PrefabDef struct {
	ID        runtime.PrefabID
	GUID      runtime.TypeGUID
	Transform TransformKind
	// Body is 0 for prefabs without a rigidbody.
	Body runtime.Dimension
	// Behaviours is the number of behaviours attached to each instance (min 1).
	Behaviours int

	Mass        float32
	Drag        float32
	AngularDrag float32

	// Unlisted prefabs can be instantiated locally but are missing from the
	// shared prefab table (scene objects, client-only props).
	Unlisted bool
}

// Catalog is the prefab table shared by every runner of one process.
type Catalog struct {
	defs   map[runtime.PrefabID]PrefabDef
	byGUID map[runtime.TypeGUID]runtime.PrefabID
}

func NewCatalog(defs ...PrefabDef) (*Catalog, error) {
	c := &Catalog{
		defs:   map[runtime.PrefabID]PrefabDef{},
		byGUID: map[runtime.TypeGUID]runtime.PrefabID{},
	}
	for _, d := range defs {
		if !d.ID.IsValid() {
			return nil, fmt.Errorf("prefab %q: id must be > 0", d.GUID)
		}
		if strings.TrimSpace(string(d.GUID)) == "" {
			return nil, fmt.Errorf("prefab %s: empty guid", d.ID)
		}
		if _, dup := c.defs[d.ID]; dup {
			return nil, fmt.Errorf("duplicate prefab id: %s", d.ID)
		}
		if _, dup := c.byGUID[d.GUID]; dup {
			return nil, fmt.Errorf("duplicate prefab guid: %s", d.GUID)
		}
		if d.Behaviours <= 0 {
			d.Behaviours = 1
		}
		if d.Body != 0 && d.Mass <= 0 {
			d.Mass = 1
		}
		c.defs[d.ID] = d
		c.byGUID[d.GUID] = d.ID
	}
	return c, nil
}

func (c *Catalog) Lookup(guid runtime.TypeGUID) (runtime.PrefabID, bool) {
	if c == nil {
		return 0, false
	}
	id, ok := c.byGUID[guid]
	if !ok || c.defs[id].Unlisted {
		return 0, false
	}
	return id, true
}

func (c *Catalog) Def(id runtime.PrefabID) (PrefabDef, bool) {
	if c == nil {
		return PrefabDef{}, false
	}
	d, ok := c.defs[id]
	return d, ok
}

func (c *Catalog) IDs() []runtime.PrefabID {
	out := make([]runtime.PrefabID, 0, len(c.defs))
	for id := range c.defs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
