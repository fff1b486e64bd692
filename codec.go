package livedbmongo

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Reserved document field names (spec section 3 "Document (stored form)"
// and section 6 "Reserved field names").
const (
	FieldID   = "_id"
	FieldV    = "_v"
	FieldType = "_type"
	FieldM    = "_m"
	FieldO    = "_o"
	FieldData = "_data"
)

// ReservedCollectionName reports whether name is reserved for adapter
// internals: "system", or anything starting with "o_" (op collections).
func ReservedCollectionName(name string) bool {
	return name == "system" || (len(name) >= 2 && name[:2] == "o_")
}

// Snapshot is the external, caller-facing representation of a document at a
// given version (spec section 3 "Snapshot (external form)").
type Snapshot struct {
	ID string
	V  uint64
	// Type is the OT type identifier, or nil if the document is logically
	// deleted.
	Type *string
	// Data is the document content: a bson.M for object-shaped documents,
	// or any other BSON-representable value (scalar, slice) for
	// non-object documents. Nil/absent is the zero value.
	Data interface{}
	// M is optional user metadata.
	M bson.M
	// OpLink is the opaque reference to the op that produced this
	// snapshot. On a snapshot passed into Commit it is the link of the
	// version being replaced (nil for a first version); Commit stores it as
	// the new op's predecessor.
	OpLink interface{}
}

// deletedSnapshot builds the canonical "not found" / logically-deleted
// snapshot shape spec section 6 requires: (id, v, nil, nil).
func deletedSnapshot(id string, v uint64) Snapshot {
	return Snapshot{ID: id, V: v, Type: nil, Data: nil}
}

// CastToDoc converts an external snapshot plus its freshly-assigned op link
// into the stored document form (spec section 4.1).
//
// If snapshot.Data is a plain object (bson.M or map[string]interface{}), it
// is shallow-copied as the base document so the caller's map is never
// mutated. Otherwise the base is {} when Data is absent, or {_data: Data}
// when Data is a scalar or slice. The reserved fields are then overwritten.
func CastToDoc(id string, snapshot Snapshot, opLink interface{}) bson.M {
	var doc bson.M

	switch data := snapshot.Data.(type) {
	case nil:
		doc = bson.M{}
	case bson.M:
		doc = make(bson.M, len(data)+5)
		for k, v := range data {
			doc[k] = v
		}
	case map[string]interface{}:
		doc = make(bson.M, len(data)+5)
		for k, v := range data {
			doc[k] = v
		}
	default:
		doc = bson.M{FieldData: data}
	}

	doc[FieldID] = id
	if snapshot.Type != nil {
		doc[FieldType] = *snapshot.Type
	} else {
		doc[FieldType] = nil
	}
	doc[FieldV] = snapshot.V
	doc[FieldM] = snapshot.M
	doc[FieldO] = opLink

	return doc
}

// CastToSnapshot converts a stored document back into the external
// snapshot form (spec section 4.1).
func CastToSnapshot(doc bson.M) Snapshot {
	id, _ := doc[FieldID].(string)

	snap := Snapshot{
		ID: id,
		V:  toUint64(doc[FieldV]),
	}
	if m, ok := doc[FieldM].(bson.M); ok {
		snap.M = m
	}
	snap.OpLink = doc[FieldO]

	typ, hasType := asOptionalString(doc[FieldType])
	if hasType && typ == nil {
		// Logically deleted: data is always undefined on a deleted
		// snapshot, regardless of what _data/top-level fields remain.
		snap.Type = nil
		snap.Data = nil
		return snap
	}
	snap.Type = typ

	if data, ok := doc[FieldData]; ok {
		snap.Data = data
		return snap
	}

	base := make(bson.M, len(doc))
	for k, v := range doc {
		switch k {
		case FieldID, FieldV, FieldType, FieldM, FieldO, FieldData:
			continue
		default:
			base[k] = v
		}
	}
	snap.Data = base
	return snap
}

// asOptionalString converts a _type field value: a string comes back as
// (&value, true), and anything else (nil, an absent field, which reads as
// nil, or a non-string value) comes back as (nil, true). The second result
// is always true.
func asOptionalString(v interface{}) (*string, bool) {
	if v == nil {
		return nil, true
	}
	s, ok := v.(string)
	if !ok {
		return nil, true
	}
	return &s, true
}

// toUint64 coerces the handful of numeric shapes the BSON driver can
// produce for an integer field into a uint64.
func toUint64(v interface{}) uint64 {
	switch n := v.(type) {
	case int64:
		return uint64(n)
	case int32:
		return uint64(n)
	case int:
		return uint64(n)
	case float64:
		return uint64(n)
	case uint64:
		return n
	default:
		return 0
	}
}
