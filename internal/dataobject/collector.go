// Package dataobject implements C1, the measurement-graph collector.
// Each verification run owns its own *Collector instance (spec.md §4.1,
// §9 "per-run isolation of the collector") — never share one across
// concurrent workers.
package dataobject

import "sync"

// Kind is the data object's category, spec.md §3.
type Kind string

const (
	KindKMS     Kind = "kms"
	KindGateway Kind = "gateway"
	KindApp     Kind = "app"
)

// Calculation names a reproducible derivation from a set of input fields
// to a set of output fields, spec.md §3.
type Calculation struct {
	Inputs   []string
	Function string // "sha256", "sha384", "replay_rtmr", "reproducible_build"
	Outputs  []string
}

// MeasuredByRef is a back-reference recorded on the object that was
// measured, pointing at the object that measured it.
type MeasuredByRef struct {
	SourceID         string
	SourceField      string
	SelfField        string
	SourceCalcOutput string
	SelfCalcOutput   string
}

// Object is one node in the measurement graph.
type Object struct {
	ID           string
	Name         string
	Description  string
	Kind         Kind
	Fields       map[string]interface{}
	Calculations []Calculation
	MeasuredBy   []MeasuredByRef
	Placeholder  bool
}

func cloneObject(o *Object) *Object {
	c := *o
	c.Fields = make(map[string]interface{}, len(o.Fields))
	for k, v := range o.Fields {
		c.Fields[k] = v
	}
	c.Calculations = append([]Calculation(nil), o.Calculations...)
	c.MeasuredBy = append([]MeasuredByRef(nil), o.MeasuredBy...)
	return &c
}

// Payload is the input to Register: every field is optional and, when
// present, overwrites the corresponding attribute on the existing object
// (or seeds a new one). Fields is special-cased: it is merged key-by-key
// rather than replaced wholesale, per spec.md §4.1's merge policy.
type Payload struct {
	Name         *string
	Description  *string
	Kind         *Kind
	Fields       map[string]interface{}
	Calculations []Calculation
	MeasuredBy   []MeasuredByRef
	Placeholder  *bool
}

// Collector is a process-run-scoped, insertion-ordered registry of data
// objects and their cross-references. It is safe for concurrent use
// within one run, but a fresh instance MUST be created per verification
// run (see package doc).
type Collector struct {
	mu      sync.Mutex
	order   []string
	objects map[string]*Object
}

// New returns a fresh, empty collector for one verification run.
func New() *Collector {
	return &Collector{objects: make(map[string]*Object)}
}

// Register atomically creates or merges a data object. Later fields
// overwrite earlier ones for the same key; Fields entries are merged
// rather than replaced.
func (c *Collector) Register(id string, p Payload) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		obj = &Object{ID: id, Fields: make(map[string]interface{})}
		c.objects[id] = obj
		c.order = append(c.order, id)
	}

	if p.Name != nil {
		obj.Name = *p.Name
	}
	if p.Description != nil {
		obj.Description = *p.Description
	}
	if p.Kind != nil {
		obj.Kind = *p.Kind
	}
	if p.Placeholder != nil {
		obj.Placeholder = *p.Placeholder
	}
	for k, v := range p.Fields {
		obj.Fields[k] = v
	}
	if len(p.Calculations) > 0 {
		obj.Calculations = append([]Calculation(nil), p.Calculations...)
	}
	if len(p.MeasuredBy) > 0 {
		obj.MeasuredBy = append([]MeasuredByRef(nil), p.MeasuredBy...)
	}

	return obj
}

// LinkMeasuredBy appends a measured-by entry on dst pointing at src.
func (c *Collector) LinkMeasuredBy(srcID, dstID string, ref MeasuredByRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref.SourceID = srcID
	dst, ok := c.objects[dstID]
	if !ok {
		// The referenced object was never Register'd — typically because
		// the verifier that owns it failed before reaching that step.
		// Flag it so the emitted report can tell a real object from this
		// synthesized stand-in.
		dst = &Object{ID: dstID, Fields: make(map[string]interface{}), Placeholder: true}
		c.objects[dstID] = dst
		c.order = append(c.order, dstID)
	}
	dst.MeasuredBy = append(dst.MeasuredBy, ref)
}

// Relationship is one entry in a ConfigureVerifierRelationships batch.
type Relationship struct {
	SourceID    string
	SourceField string
	DestID      string
	DestField   string
}

// ConfigureVerifierRelationships applies a batch of measured-by links,
// used by C5 post-chain to wire KMS->Gateway and KMS->App, spec.md §4.5.
func (c *Collector) ConfigureVerifierRelationships(rels []Relationship) {
	for _, r := range rels {
		c.LinkMeasuredBy(r.SourceID, r.DestID, MeasuredByRef{
			SourceField: r.SourceField,
			SelfField:   r.DestField,
		})
	}
}

// Snapshot returns every registered object, deep-copied, in insertion
// order.
func (c *Collector) Snapshot() []*Object {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Object, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneObject(c.objects[id]))
	}
	return out
}

// Get returns the object with the given id, or nil.
func (c *Collector) Get(id string) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[id]
	if !ok {
		return nil
	}
	return cloneObject(obj)
}

// Clear resets the registry, discarding every object.
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.objects = make(map[string]*Object)
}

// ValidateGraph checks the closed-graph invariant from spec.md §8.1:
// every measured-by reference must resolve to an object present in the
// snapshot. It returns the ids of any dangling references.
func ValidateGraph(objects []*Object) []string {
	present := make(map[string]bool, len(objects))
	for _, o := range objects {
		present[o.ID] = true
	}
	var dangling []string
	for _, o := range objects {
		for _, ref := range o.MeasuredBy {
			if !present[ref.SourceID] {
				dangling = append(dangling, ref.SourceID)
			}
		}
	}
	return dangling
}
