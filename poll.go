package livedbmongo

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// pagingOperators are the cursor transforms that make a query's result set
// dependent on more than one document's content — sorting or paging means a
// single doc's mutation can change which documents are in the page even
// when it doesn't match the filter itself, so these rule out per-doc
// polling entirely (spec section 4.7 "canPollDoc").
var pagingOperators = map[string]bool{
	"$sort":      true,
	"$orderby":   true,
	"$limit":     true,
	"$skip":      true,
	"$max":       true,
	"$min":       true,
	"$returnKey": true,
}

// CanPollDoc reports whether q is simple enough to refine to a single
// document existence check at all: no collection operation, no terminal
// cursor operation, and none of the ordering/paging transforms (spec
// section 4.7).
func CanPollDoc(q bson.M) bool {
	for k := range q {
		if collectionOpKeys[k] || cursorOpKeys[k] || pagingOperators[k] {
			return false
		}
	}
	return true
}

// queryFields collects the top-level name (the part of a dotted key before
// the first '.') of every field q's filter references, recursing through
// $and/$or, plus every field named in q's $sort or $orderby. Any other $
// operator is opaque to this analysis and contributes no fields. SkipPoll
// treats an empty field set as "can't tell, don't skip"; when q also names
// plain fields, only those are compared, so a field referenced only inside
// an opaque operator such as $where is not taken into account.
func queryFields(q bson.M) map[string]bool {
	fields := make(map[string]bool)
	collectQueryFields(q, fields)
	return fields
}

func collectQueryFields(q bson.M, out map[string]bool) {
	for k, v := range q {
		if len(k) == 0 || k[0] != '$' {
			out[strings.SplitN(k, ".", 2)[0]] = true
			continue
		}
		if k == "$sort" || k == "$orderby" {
			if sortDoc, ok := toSortDoc(v); ok {
				for _, e := range sortDoc {
					out[strings.SplitN(e.Key, ".", 2)[0]] = true
				}
			}
			continue
		}
		if k != "$and" && k != "$or" {
			continue
		}
		arr, ok := v.(bson.A)
		if !ok {
			continue
		}
		for _, child := range arr {
			if cm, ok := child.(bson.M); ok {
				collectQueryFields(cm, out)
			}
		}
	}
}

// SkipPoll reports whether op, applied to document id, is guaranteed not to
// change whether id matches q — letting the caller skip re-running the
// query against the store entirely (spec section 4.7 "skipPoll").
//
// A create or del op always changes whether id is in the result set, so
// those never skip, and neither does a query carrying a collection or
// cursor op (its result shape isn't a simple per-doc match). Otherwise, an
// op with no mutation can never change a match, and failing that this
// compares the top-level fields the op actually touches (the first element
// of each component's path) against the top-level fields q references (see
// queryFields): if they're disjoint, the op is taken not to have affected
// q's result for this document. Either an unreferenced query
// (fields unknown) or a mutation touching the whole document (an empty
// path component) is conservatively treated as "can't skip."
func SkipPoll(id string, op Op, q bson.M) bool {
	if op.Create != nil || op.Del {
		return false
	}
	for k := range q {
		if collectionOpKeys[k] || cursorOpKeys[k] {
			return false
		}
	}
	if !op.HasMutation() {
		return true
	}

	fields := queryFields(q)
	if len(fields) == 0 {
		return false
	}

	for _, p := range op.componentFirstPathElems() {
		if p == nil {
			return false
		}
		key, ok := p.(string)
		if !ok {
			return false
		}
		if fields[key] {
			return false
		}
	}
	return true
}
