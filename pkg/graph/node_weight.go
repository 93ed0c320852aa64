package graph

import (
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/strata/pkg/changeset"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/vclock"
)

// NodeWeightKind is the discriminant of a node weight.
type NodeWeightKind string

const (
	KindAction                     NodeWeightKind = "Action"
	KindActionPrototype            NodeWeightKind = "ActionPrototype"
	KindAttributePrototypeArgument NodeWeightKind = "AttributePrototypeArgument"
	KindAttributeValue             NodeWeightKind = "AttributeValue"
	KindCategory                   NodeWeightKind = "Category"
	KindComponent                  NodeWeightKind = "Component"
	KindContent                    NodeWeightKind = "Content"
	KindDependentValueRoot         NodeWeightKind = "DependentValueRoot"
	KindFinishedDependentValueRoot NodeWeightKind = "FinishedDependentValueRoot"
	KindFunc                       NodeWeightKind = "Func"
	KindFuncArgument               NodeWeightKind = "FuncArgument"
	KindOrdering                   NodeWeightKind = "Ordering"
	KindProp                       NodeWeightKind = "Prop"
	KindSchemaVariant              NodeWeightKind = "SchemaVariant"
	KindSecret                     NodeWeightKind = "Secret"
)

// NodeWeight is implemented only by the variants in this package. Weights
// stored in a graph are immutable: the graph clones before changing one.
type NodeWeight interface {
	ID() ident.ID
	LineageID() ident.ID
	Kind() NodeWeightKind
	Clocks() vclock.Clocks

	base() *nodeBase
	clone() NodeWeight
}

type nodeBase struct {
	id      ident.ID
	lineage ident.ID
	clocks  vclock.Clocks
}

func (b *nodeBase) ID() ident.ID { return b.id }
func (b *nodeBase) LineageID() ident.ID { return b.lineage }
func (b *nodeBase) Clocks() vclock.Clocks { return b.clocks }
func (b *nodeBase) base() *nodeBase { return b }

func (b nodeBase) cloned() nodeBase {
	return nodeBase{id: b.id, lineage: b.lineage, clocks: b.clocks.Clone()}
}

func newBase(cs *changeset.ChangeSet) (nodeBase, error) {
	id, err := cs.GenerateULID()
	if err != nil {
		return nodeBase{}, err
	}
	clocks, err := cs.Clocks()
	if err != nil {
		return nodeBase{}, err
	}
	return nodeBase{id: id, lineage: id, clocks: clocks}, nil
}

type CategoryNodeWeight struct {
	nodeBase
	Category CategoryNodeKind `json:"category"`
}

func (w *CategoryNodeWeight) Kind() NodeWeightKind { return KindCategory }
func (w *CategoryNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

// ContentNodeWeight wraps addressed content with no structure of its own:
// the root, schemas, modules, views and so on.
type ContentNodeWeight struct {
	nodeBase
	Address  hash.ContentAddress `json:"address"`
	ToDelete bool                `json:"to_delete,omitempty"`
}

func (w *ContentNodeWeight) Kind() NodeWeightKind { return KindContent }
func (w *ContentNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

// OrderingNodeWeight holds the explicit child sequence of its container.
type OrderingNodeWeight struct {
	nodeBase
	Order []ident.ID `json:"order"`
}

func (w *OrderingNodeWeight) Kind() NodeWeightKind { return KindOrdering }
func (w *OrderingNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	c.Order = slices.Clone(w.Order)
	return &c
}

type PropKind string

const (
	PropArray   PropKind = "array"
	PropBoolean PropKind = "boolean"
	PropFloat   PropKind = "float"
	PropInteger PropKind = "integer"
	PropJSON    PropKind = "json"
	PropMap     PropKind = "map"
	PropObject  PropKind = "object"
	PropString  PropKind = "string"
)

type PropNodeWeight struct {
	nodeBase
	Address                 hash.ContentAddress `json:"address"`
	PropKind                PropKind            `json:"prop_kind"`
	Name                    string              `json:"name"`
	CanBeUsedAsPrototypeArg bool                `json:"can_be_used_as_prototype_arg,omitempty"`
}

func (w *PropNodeWeight) Kind() NodeWeightKind { return KindProp }
func (w *PropNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

type AttributeValueNodeWeight struct {
	nodeBase
	UnprocessedValue *hash.ContentAddress `json:"unprocessed_value,omitempty"`
	Value            *hash.ContentAddress `json:"value,omitempty"`
	FuncRunID        *ident.ID            `json:"func_run_id,omitempty"`
}

func (w *AttributeValueNodeWeight) Kind() NodeWeightKind { return KindAttributeValue }
func (w *AttributeValueNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	if w.UnprocessedValue != nil {
		v := *w.UnprocessedValue
		c.UnprocessedValue = &v
	}
	if w.Value != nil {
		v := *w.Value
		c.Value = &v
	}
	if w.FuncRunID != nil {
		v := *w.FuncRunID
		c.FuncRunID = &v
	}
	return &c
}

// ArgumentTargets pins a prototype argument to a source/destination
// component pair.
type ArgumentTargets struct {
	SourceComponentID      ident.ID `json:"source_component_id"`
	DestinationComponentID ident.ID `json:"destination_component_id"`
}

type AttributePrototypeArgumentNodeWeight struct {
	nodeBase
	Targets *ArgumentTargets `json:"targets,omitempty"`
}

func (w *AttributePrototypeArgumentNodeWeight) Kind() NodeWeightKind {
	return KindAttributePrototypeArgument
}
func (w *AttributePrototypeArgumentNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	if w.Targets != nil {
		t := *w.Targets
		c.Targets = &t
	}
	return &c
}

type ComponentNodeWeight struct {
	nodeBase
	Address  hash.ContentAddress `json:"address"`
	ToDelete bool                `json:"to_delete,omitempty"`
}

func (w *ComponentNodeWeight) Kind() NodeWeightKind { return KindComponent }
func (w *ComponentNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

type FuncNodeWeight struct {
	nodeBase
	Address  hash.ContentAddress `json:"address"`
	Name     string              `json:"name"`
	FuncKind string              `json:"func_kind"`
}

func (w *FuncNodeWeight) Kind() NodeWeightKind { return KindFunc }
func (w *FuncNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

type FuncArgumentNodeWeight struct {
	nodeBase
	Address hash.ContentAddress `json:"address"`
	Name    string              `json:"name"`
}

func (w *FuncArgumentNodeWeight) Kind() NodeWeightKind { return KindFuncArgument }
func (w *FuncArgumentNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

type ActionPrototypeNodeWeight struct {
	nodeBase
	ActionKind  string `json:"action_kind"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (w *ActionPrototypeNodeWeight) Kind() NodeWeightKind { return KindActionPrototype }
func (w *ActionPrototypeNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

type ActionState string

const (
	ActionDispatched ActionState = "Dispatched"
	ActionFailed     ActionState = "Failed"
	ActionOnHold     ActionState = "OnHold"
	ActionQueued     ActionState = "Queued"
	ActionRunning    ActionState = "Running"
)

type ActionNodeWeight struct {
	nodeBase
	State                  ActionState `json:"state"`
	OriginatingChangeSetID ident.ID    `json:"originating_change_set_id"`
}

func (w *ActionNodeWeight) Kind() NodeWeightKind { return KindAction }
func (w *ActionNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

type SchemaVariantNodeWeight struct {
	nodeBase
	Address  hash.ContentAddress `json:"address"`
	IsLocked bool                `json:"is_locked,omitempty"`
}

func (w *SchemaVariantNodeWeight) Kind() NodeWeightKind { return KindSchemaVariant }
func (w *SchemaVariantNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

type SecretNodeWeight struct {
	nodeBase
	Address            hash.ContentAddress `json:"address"`
	EncryptedSecretKey hash.ContentHash    `json:"encrypted_secret_key"`
}

func (w *SecretNodeWeight) Kind() NodeWeightKind { return KindSecret }
func (w *SecretNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

// DependentValueRootNodeWeight marks a value whose dependents still need
// recomputation.
type DependentValueRootNodeWeight struct {
	nodeBase
	ValueID ident.ID `json:"value_id"`
}

func (w *DependentValueRootNodeWeight) Kind() NodeWeightKind { return KindDependentValueRoot }
func (w *DependentValueRootNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

type FinishedDependentValueRootNodeWeight struct {
	nodeBase
	ValueID ident.ID `json:"value_id"`
}

func (w *FinishedDependentValueRootNodeWeight) Kind() NodeWeightKind {
	return KindFinishedDependentValueRoot
}
func (w *FinishedDependentValueRootNodeWeight) clone() NodeWeight {
	c := *w
	c.nodeBase = w.nodeBase.cloned()
	return &c
}

func NewCategory(cs *changeset.ChangeSet, kind CategoryNodeKind) (*CategoryNodeWeight, error) {
	if !kind.Valid() {
		return nil, &NodeWeightError{Reason: fmt.Sprintf("unknown category %q", kind)}
	}
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &CategoryNodeWeight{nodeBase: b, Category: kind}, nil
}

func NewContent(cs *changeset.ChangeSet, addr hash.ContentAddress) (*ContentNodeWeight, error) {
	if !addr.Kind.Valid() {
		return nil, &NodeWeightError{Reason: fmt.Sprintf("unknown content kind %q", addr.Kind)}
	}
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &ContentNodeWeight{nodeBase: b, Address: addr}, nil
}

func NewOrdering(cs *changeset.ChangeSet, order []ident.ID) (*OrderingNodeWeight, error) {
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	if order == nil {
		order = []ident.ID{}
	}
	return &OrderingNodeWeight{nodeBase: b, Order: slices.Clone(order)}, nil
}

func NewProp(cs *changeset.ChangeSet, kind PropKind, name string, h hash.ContentHash) (*PropNodeWeight, error) {
	if name == "" {
		return nil, &NodeWeightError{Reason: "prop name is empty"}
	}
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &PropNodeWeight{
		nodeBase: b,
		Address:  hash.NewAddress(hash.KindProp, h),
		PropKind: kind,
		Name:     name,
	}, nil
}

func NewAttributeValue(cs *changeset.ChangeSet) (*AttributeValueNodeWeight, error) {
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &AttributeValueNodeWeight{nodeBase: b}, nil
}

func NewAttributePrototypeArgument(cs *changeset.ChangeSet, targets *ArgumentTargets) (*AttributePrototypeArgumentNodeWeight, error) {
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &AttributePrototypeArgumentNodeWeight{nodeBase: b, Targets: targets}, nil
}

func NewComponent(cs *changeset.ChangeSet, h hash.ContentHash) (*ComponentNodeWeight, error) {
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &ComponentNodeWeight{nodeBase: b, Address: hash.NewAddress(hash.KindComponent, h)}, nil
}

func NewFunc(cs *changeset.ChangeSet, name, funcKind string, h hash.ContentHash) (*FuncNodeWeight, error) {
	if name == "" {
		return nil, &NodeWeightError{Reason: "func name is empty"}
	}
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &FuncNodeWeight{
		nodeBase: b,
		Address:  hash.NewAddress(hash.KindFunc, h),
		Name:     name,
		FuncKind: funcKind,
	}, nil
}

func NewFuncArgument(cs *changeset.ChangeSet, name string, h hash.ContentHash) (*FuncArgumentNodeWeight, error) {
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &FuncArgumentNodeWeight{nodeBase: b, Address: hash.NewAddress(hash.KindFuncArg, h), Name: name}, nil
}

func NewActionPrototype(cs *changeset.ChangeSet, actionKind, name, description string) (*ActionPrototypeNodeWeight, error) {
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &ActionPrototypeNodeWeight{nodeBase: b, ActionKind: actionKind, Name: name, Description: description}, nil
}

func NewAction(cs *changeset.ChangeSet) (*ActionNodeWeight, error) {
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &ActionNodeWeight{nodeBase: b, State: ActionQueued, OriginatingChangeSetID: cs.ID}, nil
}

func NewSchemaVariant(cs *changeset.ChangeSet, h hash.ContentHash) (*SchemaVariantNodeWeight, error) {
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &SchemaVariantNodeWeight{nodeBase: b, Address: hash.NewAddress(hash.KindSchemaVariant, h)}, nil
}

func NewSecret(cs *changeset.ChangeSet, h, encryptedKey hash.ContentHash) (*SecretNodeWeight, error) {
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &SecretNodeWeight{
		nodeBase:           b,
		Address:            hash.NewAddress(hash.KindSecret, h),
		EncryptedSecretKey: encryptedKey,
	}, nil
}

func NewDependentValueRoot(cs *changeset.ChangeSet, valueID ident.ID) (*DependentValueRootNodeWeight, error) {
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &DependentValueRootNodeWeight{nodeBase: b, ValueID: valueID}, nil
}

func NewFinishedDependentValueRoot(cs *changeset.ChangeSet, valueID ident.ID) (*FinishedDependentValueRootNodeWeight, error) {
	b, err := newBase(cs)
	if err != nil {
		return nil, err
	}
	return &FinishedDependentValueRootNodeWeight{nodeBase: b, ValueID: valueID}, nil
}

// ContentAddressOf returns the addressed content of w, if its variant has any.
func ContentAddressOf(w NodeWeight) (hash.ContentAddress, bool) {
	switch w := w.(type) {
	case *ContentNodeWeight:
		return w.Address, true
	case *PropNodeWeight:
		return w.Address, true
	case *ComponentNodeWeight:
		return w.Address, true
	case *FuncNodeWeight:
		return w.Address, true
	case *FuncArgumentNodeWeight:
		return w.Address, true
	case *SchemaVariantNodeWeight:
		return w.Address, true
	case *SecretNodeWeight:
		return w.Address, true
	case *AttributeValueNodeWeight:
		if w.Value != nil {
			return *w.Value, true
		}
		return hash.ContentAddress{}, false
	case *CategoryNodeWeight, *OrderingNodeWeight, *AttributePrototypeArgumentNodeWeight,
		*ActionPrototypeNodeWeight, *ActionNodeWeight, *DependentValueRootNodeWeight,
		*FinishedDependentValueRootNodeWeight:
		return hash.ContentAddress{}, false
	default:
		panic(fmt.Sprintf("graph: unhandled node weight %T", w))
	}
}

// ContentHash returns the hash of w's addressed content, or the zero hash.
func ContentHash(w NodeWeight) hash.ContentHash {
	addr, ok := ContentAddressOf(w)
	if !ok {
		return hash.ContentHash{}
	}
	return addr.Hash
}

// withContentHash returns a clone of w pointing at h.
func withContentHash(w NodeWeight, h hash.ContentHash) (NodeWeight, error) {
	c := w.clone()
	switch c := c.(type) {
	case *ContentNodeWeight:
		c.Address.Hash = h
	case *PropNodeWeight:
		c.Address.Hash = h
	case *ComponentNodeWeight:
		c.Address.Hash = h
	case *FuncNodeWeight:
		c.Address.Hash = h
	case *FuncArgumentNodeWeight:
		c.Address.Hash = h
	case *SchemaVariantNodeWeight:
		c.Address.Hash = h
	case *SecretNodeWeight:
		c.Address.Hash = h
	case *AttributeValueNodeWeight:
		addr := hash.NewAddress(hash.KindJSONValue, h)
		c.Value = &addr
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoContent, w.Kind())
	}
	return c, nil
}

// NodeHash fingerprints the semantic payload of w. Clocks and ids are not
// part of it, so two sides holding the same content agree on the hash.
func NodeHash(w NodeWeight) hash.ContentHash {
	h, _, err := hash.Of(struct {
		Kind    NodeWeightKind `json:"kind"`
		Payload NodeWeight     `json:"payload"`
	}{w.Kind(), w})
	if err != nil {
		panic(fmt.Sprintf("graph: hashing %s weight %s: %v", w.Kind(), w.ID(), err))
	}
	return h
}

// Clone returns an independent copy of w.
func Clone(w NodeWeight) NodeWeight {
	return w.clone()
}

// WithMergedClocks returns a clone of w whose clocks also carry c.
func WithMergedClocks(w NodeWeight, c vclock.Clocks) NodeWeight {
	out := w.clone()
	out.base().clocks.Merge(c)
	return out
}
