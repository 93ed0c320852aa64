package graph

import (
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/strata/pkg/hash"
)

// Node encoding v1 stored addressed content flat, as content_hash (plus
// content_kind for generic content), and used one DependentValueRoot kind
// with a finished flag. migrateNodeV1 rewrites such a record into the
// current layout; it never guesses, so anything it cannot place is an
// integrity error for the snapshot.

var v1AddressKinds = map[NodeWeightKind]hash.ContentKind{
	KindComponent:     hash.KindComponent,
	KindFunc:          hash.KindFunc,
	KindFuncArgument:  hash.KindFuncArg,
	KindProp:          hash.KindProp,
	KindSchemaVariant: hash.KindSchemaVariant,
	KindSecret:        hash.KindSecret,
}

type v1DependentValueRoot struct {
	ValueID  json.RawMessage `json:"value_id"`
	Finished bool            `json:"finished"`
}

func migrateNodeV1(kind NodeWeightKind, data json.RawMessage) (NodeWeightKind, json.RawMessage, error) {
	switch kind {
	case KindDependentValueRoot:
		var old v1DependentValueRoot
		if err := json.Unmarshal(data, &old); err != nil {
			return "", nil, &IntegrityError{Reason: "v1 dependent value root", Err: err}
		}
		out, err := json.Marshal(map[string]json.RawMessage{"value_id": old.ValueID})
		if err != nil {
			return "", nil, err
		}
		if old.Finished {
			return KindFinishedDependentValueRoot, out, nil
		}
		return KindDependentValueRoot, out, nil
	case KindContent:
		return migrateFlatAddress(kind, data, "")
	}
	if ck, ok := v1AddressKinds[kind]; ok {
		return migrateFlatAddress(kind, data, ck)
	}
	if _, err := newZeroWeight(kind); err != nil {
		return "", nil, err
	}
	return kind, data, nil
}

// migrateFlatAddress folds content_kind/content_hash into an address object.
// An empty implied kind means the record carries its own content_kind.
func migrateFlatAddress(kind NodeWeightKind, data json.RawMessage, implied hash.ContentKind) (NodeWeightKind, json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", nil, &IntegrityError{Reason: fmt.Sprintf("v1 %s weight", kind), Err: err}
	}
	if _, ok := fields["address"]; ok {
		return kind, data, nil
	}
	rawHash, ok := fields["content_hash"]
	if !ok {
		return "", nil, integrityf("v1 %s weight has no content_hash", kind)
	}
	var h hash.ContentHash
	if err := json.Unmarshal(rawHash, &h); err != nil {
		return "", nil, &IntegrityError{Reason: fmt.Sprintf("v1 %s content_hash", kind), Err: err}
	}
	ck := implied
	if ck == "" {
		rawKind, ok := fields["content_kind"]
		if !ok {
			return "", nil, integrityf("v1 %s weight has no content_kind", kind)
		}
		if err := json.Unmarshal(rawKind, &ck); err != nil {
			return "", nil, &IntegrityError{Reason: fmt.Sprintf("v1 %s content_kind", kind), Err: err}
		}
	}
	if !ck.Valid() {
		return "", nil, integrityf("v1 %s weight has unknown content kind %q", kind, ck)
	}
	addr, err := json.Marshal(hash.NewAddress(ck, h))
	if err != nil {
		return "", nil, err
	}
	delete(fields, "content_hash")
	delete(fields, "content_kind")
	fields["address"] = addr
	out, err := json.Marshal(fields)
	if err != nil {
		return "", nil, err
	}
	return kind, out, nil
}
