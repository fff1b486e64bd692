package livedbmongo

import "go.mongodb.org/mongo-driver/bson"

// Op is a single mutation committed against a document (spec section 3
// "Op"). Create/Del/Op are mutually exclusive per spec's "exactly one of"
// invariant, but the adapter does not enforce that here: it is the OT
// engine's contract, not the storage layer's.
type Op struct {
	// ID is the store-assigned op identity (_id). Nil until the op has
	// been inserted.
	ID interface{} `bson:"_id,omitempty"`
	// D is the document id this op applies to, duplicated onto the op for
	// indexing.
	D string `bson:"d"`
	// V is the version this op advanced to.
	V uint64 `bson:"v"`
	// Src/Seq identify a client-side op submission for idempotency.
	Src string `bson:"src,omitempty"`
	Seq uint64 `bson:"seq,omitempty"`

	Create bson.M `bson:"create,omitempty"`
	Del    bool    `bson:"del,omitempty"`
	// Op is the mutation's path-component list. Each component is left as
	// a bson.M so arbitrary OT-type-specific keys round-trip losslessly;
	// only "p" (the path) is interpreted by this layer (section 4.7).
	Op []bson.M `bson:"op,omitempty"`

	// M is optional op metadata, never projected to readers.
	M bson.M `bson:"m,omitempty"`

	// O is the prior op's _id, forming the reverse linked list back to the
	// document's history root.
	O interface{} `bson:"o,omitempty"`
}

// HasMutation reports whether this op describes any mutation at all. An op
// with none of create/del/op set is a no-op write (spec section 4.7
// skipPoll: "for an op with empty mutation (!op.op), returns true").
func (o *Op) HasMutation() bool {
	return o.Create != nil || o.Del || len(o.Op) > 0
}

// componentFirstPathElems returns the first path element of every mutation
// component. An empty or missing path is reported as nil; callers (section
// 4.7) must treat that as touching every field.
func (o *Op) componentFirstPathElems() []interface{} {
	out := make([]interface{}, 0, len(o.Op))
	for _, comp := range o.Op {
		p, _ := comp["p"].(bson.A)
		if len(p) == 0 {
			out = append(out, nil)
			continue
		}
		out = append(out, p[0])
	}
	return out
}

// opDoc is the wire shape of an Op as read back from the store, used by the
// op log reader's link-filter which needs {_id, o, v, src, seq, ...} before
// the identity/link fields are stripped for the caller.
type opDoc struct {
	ID  interface{} `bson:"_id"`
	D   string      `bson:"d"`
	V   uint64      `bson:"v"`
	Src string      `bson:"src,omitempty"`
	Seq uint64      `bson:"seq,omitempty"`

	Create bson.M   `bson:"create,omitempty"`
	Del    bool      `bson:"del,omitempty"`
	Op     []bson.M `bson:"op,omitempty"`

	O interface{} `bson:"o,omitempty"`
}

func (d *opDoc) toOp() Op {
	return Op{
		ID:     d.ID,
		D:      d.D,
		V:      d.V,
		Src:    d.Src,
		Seq:    d.Seq,
		Create: d.Create,
		Del:    d.Del,
		Op:     d.Op,
		O:      d.O,
	}
}

// idsEqual compares two opaque op-id values (ObjectIDs, strings, or
// whatever the store assigns) for the purposes of link-walking.
func idsEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}
