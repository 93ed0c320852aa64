package hash

import (
	"fmt"
	"strings"
)

// ContentKind identifies the semantic type of an addressed payload. Two
// payloads of different kinds never resolve each other even when their bytes
// hash identically.
type ContentKind string

const (
	KindActionPrototype     ContentKind = "ActionPrototype"
	KindAttributePrototype  ContentKind = "AttributePrototype"
	KindComponent           ContentKind = "Component"
	KindFunc                ContentKind = "Func"
	KindFuncArg             ContentKind = "FuncArg"
	KindInputSocket         ContentKind = "InputSocket"
	KindJSONValue           ContentKind = "JsonValue"
	KindModule              ContentKind = "Module"
	KindNote                ContentKind = "Note"
	KindOutputSocket        ContentKind = "OutputSocket"
	KindProp                ContentKind = "Prop"
	KindRoot                ContentKind = "Root"
	KindSchema              ContentKind = "Schema"
	KindSchemaVariant       ContentKind = "SchemaVariant"
	KindSecret              ContentKind = "Secret"
	KindStaticArgumentValue ContentKind = "StaticArgumentValue"
	KindValidationPrototype ContentKind = "ValidationPrototype"
	KindView                ContentKind = "View"
)

var knownKinds = map[ContentKind]struct{}{
	KindActionPrototype: {}, KindAttributePrototype: {}, KindComponent: {}, KindFunc: {},
	KindFuncArg: {}, KindInputSocket: {}, KindJSONValue: {}, KindModule: {}, KindNote: {},
	KindOutputSocket: {}, KindProp: {}, KindRoot: {}, KindSchema: {}, KindSchemaVariant: {},
	KindSecret: {}, KindStaticArgumentValue: {}, KindValidationPrototype: {}, KindView: {},
}

func (k ContentKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// ContentAddress is a (kind, hash) pair.
type ContentAddress struct {
	Kind ContentKind `json:"kind"`
	Hash ContentHash `json:"hash"`
}

func NewAddress(kind ContentKind, h ContentHash) ContentAddress {
	return ContentAddress{Kind: kind, Hash: h}
}

// Key is the storage key of the address: "<kind>:<hex hash>".
func (a ContentAddress) Key() string {
	return string(a.Kind) + ":" + a.Hash.String()
}

func (a ContentAddress) String() string {
	return string(a.Kind) + ":" + a.Hash.Short()
}

func (a ContentAddress) IsZero() bool {
	return a.Kind == "" && a.Hash.IsZero()
}

func ParseAddress(key string) (ContentAddress, error) {
	kind, rest, ok := strings.Cut(key, ":")
	if !ok {
		return ContentAddress{}, fmt.Errorf("%w: address %q has no kind", ErrInvalidHash, key)
	}
	if !ContentKind(kind).Valid() {
		return ContentAddress{}, fmt.Errorf("%w: unknown content kind %q", ErrInvalidHash, kind)
	}
	h, err := Parse(rest)
	if err != nil {
		return ContentAddress{}, err
	}
	return ContentAddress{Kind: ContentKind(kind), Hash: h}, nil
}
