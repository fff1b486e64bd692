package livedbmongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/tag"
	"go.uber.org/zap"

	"github.com/share/livedb-mongo/core"
)

// QueryOptions gates the two classes of store-native query the adapter
// would otherwise pass straight through (spec section 6 Configuration):
// arbitrary server-side JavaScript and the aggregation pipeline.
type QueryOptions struct {
	AllowJSQueries        bool
	AllowAggregateQueries bool
}

// collectionOpKeys, cursorOpKeys and cursorTransformKeys enumerate the
// three disjoint operator categories the query engine recognizes (spec
// section 4.6). Any other $-prefixed key is left in the base filter, since
// it is a store filter operator ($and, $or, $where, ...), not an
// adapter-level query-shape directive.
var collectionOpKeys = map[string]bool{
	"$distinct":  true,
	"$aggregate": true,
	"$mapReduce": true,
}

var cursorOpKeys = map[string]bool{
	"$count":   true,
	"$explain": true,
	"$map":     true,
}

var cursorTransformKeys = map[string]bool{
	"$sort":            true,
	"$skip":            true,
	"$limit":           true,
	"$hint":            true,
	"$comment":         true,
	"$batchSize":       true,
	"$maxTimeMS":       true,
	"$min":             true,
	"$max":             true,
	"$maxScan":         true,
	"$readConcern":     true,
	"$readPref":        true,
	"$returnKey":       true,
	"$snapshot":        true,
	"$showRecordId":    true,
	"$noCursorTimeout": true,
	"$orderby":         true, // deprecated alias for $sort
	"$showDiskLoc":     true, // deprecated alias for $showRecordId
}

// CollectionOp is a parsed collection-level query operation: $distinct,
// $aggregate, or $mapReduce. Exactly one may appear in a query, and never
// alongside a cursor method (spec section 4.6).
type CollectionOp struct {
	Name  string
	Value interface{}
}

// CursorOp is a parsed terminal cursor operation: $count, $explain, or
// $map. At most one may appear in a query.
type CursorOp struct {
	Name  string
	Value interface{}
}

// checkQuery validates a query's shape before it is parsed (spec section
// 4.6 "Validation").
func checkQuery(q bson.M, opts QueryOptions) error {
	if _, ok := q["$query"]; ok {
		return ErrLegacyQueryOperator
	}

	var collCount, cursorOpCount, transformCount int
	for k := range q {
		switch {
		case collectionOpKeys[k]:
			collCount++
		case cursorOpKeys[k]:
			cursorOpCount++
		case cursorTransformKeys[k]:
			transformCount++
		}
	}

	if collCount > 1 {
		return ErrMultipleCollectionOperations
	}
	if cursorOpCount > 1 {
		return ErrMultipleCursorOperations
	}
	if collCount >= 1 && (cursorOpCount >= 1 || transformCount >= 1) {
		return ErrCursorMethodAfterCollection
	}

	if !opts.AllowJSQueries {
		if _, ok := q["$where"]; ok {
			return ErrJSQueriesDisabled
		}
		if _, ok := q["$mapReduce"]; ok {
			return ErrMapReduceDisabled
		}
	}
	if !opts.AllowAggregateQueries {
		if _, ok := q["$aggregate"]; ok {
			return ErrAggregateDisabled
		}
	}

	return nil
}

// parseQuery partitions a validated query into its four buckets (spec
// section 4.6 "Parsing").
func parseQuery(q bson.M) (filter bson.M, collOp *CollectionOp, transforms bson.M, cursorOp *CursorOp) {
	filter = bson.M{}
	transforms = bson.M{}

	for k, v := range q {
		switch {
		case collectionOpKeys[k]:
			op := CollectionOp{Name: k, Value: v}
			collOp = &op
		case cursorOpKeys[k]:
			op := CursorOp{Name: k, Value: v}
			cursorOp = &op
		case cursorTransformKeys[k]:
			transforms[k] = v
		default:
			filter[k] = v
		}
	}
	return
}

// couldMatchNull reports whether a single field clause could match a
// missing/null field value, i.e. whether it could match a logically
// deleted document (which carries none of the original document's fields)
// (spec section 4.6 "Safety rewrite").
func couldMatchNull(clause interface{}) bool {
	if clause == nil {
		return true
	}

	var ops bson.M
	switch v := clause.(type) {
	case bson.M:
		ops = v
	case map[string]interface{}:
		ops = bson.M(v)
	default:
		// Scalar equality on a non-null value, or any other non-plain
		// value shareDB-mongo can't introspect: "non-plain objects" are
		// conservatively true, scalars are false.
		switch v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			return false
		}
		return true
	}

	if len(ops) == 0 {
		return true
	}

	couldMatch := true
	for op, val := range ops {
		switch op {
		case "$in":
			arr, ok := val.(bson.A)
			hasNull := !ok // can't introspect a non-array $in: conservative
			for _, e := range arr {
				if e == nil {
					hasNull = true
					break
				}
			}
			if !hasNull {
				couldMatch = false
			}
		case "$ne":
			if val == nil {
				couldMatch = false
			}
		case "$exists":
			if b, ok := val.(bool); ok && b {
				couldMatch = false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if val != nil {
				couldMatch = false
			}
		}
		// Any other operator is an unknown construct: conservatively
		// treated as still "could match".
	}
	return couldMatch
}

// couldMatchQuery reports whether filter could match a logically deleted
// document (spec section 4.6 "Safety rewrite"): recursively, every
// non-$ property's clause must itself could-match-null, $and requires all
// children to, $or requires at least one child to, and any other top-level
// $ operator is conservatively assumed to match.
func couldMatchQuery(filter bson.M) bool {
	for k, v := range filter {
		if len(k) == 0 || k[0] != '$' {
			if !couldMatchNull(v) {
				return false
			}
			continue
		}

		switch k {
		case "$and":
			if arr, ok := v.(bson.A); ok {
				for _, child := range arr {
					if cm, ok := child.(bson.M); ok {
						if !couldMatchQuery(cm) {
							return false
						}
					}
				}
			}
		case "$or":
			if arr, ok := v.(bson.A); ok && len(arr) > 0 {
				any := false
				for _, child := range arr {
					cm, ok := child.(bson.M)
					if !ok || couldMatchQuery(cm) {
						any = true
						break
					}
				}
				if !any {
					return false
				}
			}
		default:
			// Any other top-level $ operator: conservatively "could
			// match", no further narrowing.
		}
	}
	return true
}

// makeQuerySafe rewrites filter so it can never return a logically deleted
// document, unless the caller explicitly queried on _type themselves (spec
// section 4.6, invariant P4).
func makeQuerySafe(filter bson.M) bson.M {
	if _, explicit := filter["_type"]; explicit {
		return filter
	}
	if !couldMatchQuery(filter) {
		return filter
	}

	safe := make(bson.M, len(filter)+1)
	for k, v := range filter {
		safe[k] = v
	}
	safe[FieldType] = bson.M{"$ne": nil}
	return safe
}

// getProjection builds the store projection document for a requested field
// set (spec section 4.6 "Projection").
func getProjection(fields bson.M) bson.M {
	if fields == nil {
		return bson.M{FieldM: 0, FieldO: 0}
	}
	if _, ok := fields["$submit"]; ok {
		return nil
	}

	proj := make(bson.M, len(fields)+2)
	for k := range fields {
		proj[k] = 1
	}
	proj[FieldType] = 1
	proj[FieldV] = 1
	return proj
}

// applyCursorTransforms builds the find options and, where a transform
// requires it, collection-level options (read concern/preference, which
// the Go driver exposes per-collection rather than per-find) that realize
// every cursor transform in the parsed set.
func applyCursorTransforms(transforms bson.M) (*options.FindOptions, *options.CollectionOptions, error) {
	findOpts := options.Find()
	var collOpts *options.CollectionOptions

	for key, val := range transforms {
		switch key {
		case "$sort", "$orderby":
			sortDoc, ok := toSortDoc(val)
			if !ok {
				return nil, nil, ErrMalformedQueryOperator
			}
			findOpts.SetSort(sortDoc)
		case "$skip":
			n, ok := toInt64(val)
			if !ok {
				return nil, nil, ErrMalformedQueryOperator
			}
			findOpts.SetSkip(n)
		case "$limit":
			n, ok := toInt64(val)
			if !ok {
				return nil, nil, ErrMalformedQueryOperator
			}
			findOpts.SetLimit(n)
		case "$hint":
			findOpts.SetHint(val)
		case "$comment":
			s, ok := val.(string)
			if !ok {
				return nil, nil, ErrMalformedQueryOperator
			}
			findOpts.SetComment(s)
		case "$batchSize":
			n, ok := toInt32(val)
			if !ok {
				return nil, nil, ErrMalformedQueryOperator
			}
			findOpts.SetBatchSize(n)
		case "$maxTimeMS":
			n, ok := toInt64(val)
			if !ok {
				return nil, nil, ErrMalformedQueryOperator
			}
			findOpts.SetMaxTime(time.Duration(n) * time.Millisecond)
		case "$min":
			findOpts.SetMin(val)
		case "$max":
			findOpts.SetMax(val)
		case "$returnKey":
			b, ok := val.(bool)
			if !ok {
				return nil, nil, ErrMalformedQueryOperator
			}
			findOpts.SetReturnKey(b)
		case "$showRecordId", "$showDiskLoc":
			b, ok := val.(bool)
			if !ok {
				return nil, nil, ErrMalformedQueryOperator
			}
			findOpts.SetShowRecordID(b)
		case "$noCursorTimeout":
			b, ok := val.(bool)
			if !ok {
				return nil, nil, ErrMalformedQueryOperator
			}
			findOpts.SetNoCursorTimeout(b)
		case "$maxScan", "$snapshot":
			// Both predate modern MongoDB (maxScan was removed server-side
			// in 4.0; snapshot mode in 4.0 as well) and have no store-level
			// equivalent left to apply; accept them as no-ops rather than
			// fail queries callers wrote against an older shareDB-mongo
			// contract.
			core.Debug("cursor transform has no effect against this store", zap.String("operator", key))
		case "$readConcern":
			level, ok := val.(string)
			if !ok {
				return nil, nil, ErrMalformedQueryOperator
			}
			if collOpts == nil {
				collOpts = options.Collection()
			}
			collOpts.SetReadConcern(readconcern.New(readconcern.Level(level)))
		case "$readPref":
			pref, ok := toReadPref(val)
			if !ok {
				return nil, nil, ErrMalformedQueryOperator
			}
			if collOpts == nil {
				collOpts = options.Collection()
			}
			collOpts.SetReadPreference(pref)
		default:
			return nil, nil, ErrMalformedQueryOperator
		}
	}

	return findOpts, collOpts, nil
}

var readPrefModes = map[string]readpref.Mode{
	"primary":            readpref.PrimaryMode,
	"primaryPreferred":   readpref.PrimaryPreferredMode,
	"secondary":          readpref.SecondaryMode,
	"secondaryPreferred": readpref.SecondaryPreferredMode,
	"nearest":            readpref.NearestMode,
}

// toReadPref builds a read preference from a $readPref operator's {mode,
// tagSet} shape (spec section 4.6). tagSet is optional and, when present,
// scopes eligible members to the given tag sets.
func toReadPref(val interface{}) (*readpref.ReadPref, bool) {
	m, ok := val.(bson.M)
	if !ok {
		return nil, false
	}
	mode, _ := m["mode"].(string)
	rpMode, ok := readPrefModes[mode]
	if !ok {
		return nil, false
	}

	var prefOpts []readpref.Option
	if raw, hasTagSet := m["tagSet"]; hasTagSet {
		tagSets, ok := toTagSets(raw)
		if !ok {
			return nil, false
		}
		prefOpts = append(prefOpts, readpref.WithTagSets(tagSets...))
	}

	pref, err := readpref.New(rpMode, prefOpts...)
	if err != nil {
		return nil, false
	}
	return pref, true
}

// toTagSets converts a $readPref.tagSet array of plain field:value documents
// into the driver's ordered tag-set list, tried in order until one matches a
// member (spec section 4.6).
func toTagSets(val interface{}) ([]tag.Set, bool) {
	arr, ok := val.(bson.A)
	if !ok {
		return nil, false
	}
	sets := make([]tag.Set, 0, len(arr))
	for _, raw := range arr {
		m, ok := raw.(bson.M)
		if !ok {
			return nil, false
		}
		set := make(tag.Set, 0, len(m))
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			set = append(set, tag.Tag{Name: k, Value: s})
		}
		sets = append(sets, set)
	}
	return sets, true
}

func toSortDoc(val interface{}) (bson.D, bool) {
	switch v := val.(type) {
	case bson.D:
		return v, true
	case bson.M:
		d := make(bson.D, 0, len(v))
		for k, fv := range v {
			d = append(d, bson.E{Key: k, Value: fv})
		}
		return d, true
	default:
		return nil, false
	}
}

func toInt64(val interface{}) (int64, bool) {
	switch n := val.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toInt32(val interface{}) (int32, bool) {
	n, ok := toInt64(val)
	if !ok {
		return 0, false
	}
	return int32(n), true
}

// runCollectionOp dispatches a collection-level operation and returns its
// scalar result (spec section 4.6 "Execution": "return its result as the
// scalar extra with an empty documents list").
func runCollectionOp(ctx context.Context, coll *mongo.Collection, op CollectionOp, filter bson.M) (interface{}, error) {
	switch op.Name {
	case "$distinct":
		field, ok := distinctField(op.Value)
		if !ok {
			return nil, ErrQueryParseFailure
		}
		return coll.Distinct(ctx, field, filter)

	case "$aggregate":
		pipeline, ok := op.Value.(bson.A)
		if !ok {
			return nil, ErrQueryParseFailure
		}
		cur, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		defer cur.Close(ctx)
		var out []bson.M
		if err := cur.All(ctx, &out); err != nil {
			return nil, err
		}
		return out, nil

	case "$mapReduce":
		spec, ok := op.Value.(bson.M)
		if !ok {
			return nil, ErrQueryParseFailure
		}
		cmd := bson.D{
			{Key: "mapReduce", Value: coll.Name()},
			{Key: "map", Value: spec["map"]},
			{Key: "reduce", Value: spec["reduce"]},
			{Key: "query", Value: filter},
			{Key: "out", Value: bson.M{"inline": 1}},
		}
		if scope, ok := spec["scope"]; ok {
			cmd = append(cmd, bson.E{Key: "scope", Value: scope})
		}
		var result bson.M
		if err := coll.Database().RunCommand(ctx, cmd).Decode(&result); err != nil {
			return nil, err
		}
		return result, nil

	default:
		return nil, ErrQueryParseFailure
	}
}

func distinctField(val interface{}) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case bson.M:
		field, ok := v["field"].(string)
		return field, ok
	default:
		return "", false
	}
}

// runCursorOp dispatches the terminal cursor operation, if any, or
// materializes the full result set (spec section 4.6 "Execution").
func runCursorOp(ctx context.Context, coll *mongo.Collection, filter bson.M, findOpts *options.FindOptions, cursorOp *CursorOp) ([]bson.M, interface{}, error) {
	if cursorOp == nil {
		cur, err := coll.Find(ctx, filter, findOpts)
		if err != nil {
			return nil, nil, err
		}
		defer cur.Close(ctx)
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return nil, nil, err
		}
		return docs, nil, nil
	}

	switch cursorOp.Name {
	case "$count":
		n, err := coll.CountDocuments(ctx, filter)
		if err != nil {
			return nil, nil, err
		}
		return nil, n, nil

	case "$explain":
		cmd := bson.D{{Key: "explain", Value: bson.D{{Key: "find", Value: coll.Name()}, {Key: "filter", Value: filter}}}}
		var result bson.M
		if err := coll.Database().RunCommand(ctx, cmd).Decode(&result); err != nil {
			return nil, nil, err
		}
		return nil, result, nil

	case "$map":
		// $map signals "materialize and hand each doc to a caller-side
		// mapper"; the mapping itself happens on the OT server, outside
		// the adapter's scope, so this is equivalent to a plain find.
		cur, err := coll.Find(ctx, filter, findOpts)
		if err != nil {
			return nil, nil, err
		}
		defer cur.Close(ctx)
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return nil, nil, err
		}
		return docs, nil, nil

	default:
		return nil, nil, ErrQueryParseFailure
	}
}

// withTransformOptions returns a collection handle with the collection-
// level options (read concern/preference) a cursor transform requested, or
// coll unchanged if none were requested.
func withTransformOptions(coll *mongo.Collection, collOpts *options.CollectionOptions) *mongo.Collection {
	if collOpts == nil {
		return coll
	}
	return coll.Database().Collection(coll.Name(), collOpts)
}

// Query executes q against coll and returns matching snapshots (spec
// section 6 "query(C, q, fields, opts) → (snapshots, extra?)").
func Query(ctx context.Context, coll *mongo.Collection, q bson.M, fields bson.M, opts QueryOptions) ([]Snapshot, interface{}, error) {
	if err := checkQuery(q, opts); err != nil {
		return nil, nil, err
	}
	filter, collOp, transforms, cursorOp := parseQuery(q)
	safeFilter := makeQuerySafe(filter)

	if collOp != nil {
		extra, err := runCollectionOp(ctx, coll, *collOp, safeFilter)
		if err != nil {
			return nil, nil, err
		}
		return []Snapshot{}, extra, nil
	}

	findOpts, collOpts, err := applyCursorTransforms(transforms)
	if err != nil {
		return nil, nil, err
	}
	findOpts.SetProjection(getProjection(fields))

	docs, extra, err := runCursorOp(ctx, withTransformOptions(coll, collOpts), safeFilter, findOpts, cursorOp)
	if err != nil {
		return nil, nil, err
	}

	snapshots := make([]Snapshot, 0, len(docs))
	for _, d := range docs {
		snapshots = append(snapshots, CastToSnapshot(d))
	}
	return snapshots, extra, nil
}

// QueryPoll is Query projected down to document ids only, for the
// live-subscription poll path (spec section 6 "queryPoll(C, q, opts) →
// (ids, extra?)").
func QueryPoll(ctx context.Context, coll *mongo.Collection, q bson.M, opts QueryOptions) ([]string, interface{}, error) {
	if err := checkQuery(q, opts); err != nil {
		return nil, nil, err
	}
	filter, collOp, transforms, cursorOp := parseQuery(q)
	safeFilter := makeQuerySafe(filter)

	if collOp != nil {
		extra, err := runCollectionOp(ctx, coll, *collOp, safeFilter)
		if err != nil {
			return nil, nil, err
		}
		return nil, extra, nil
	}

	findOpts, collOpts, err := applyCursorTransforms(transforms)
	if err != nil {
		return nil, nil, err
	}
	findOpts.SetProjection(bson.M{"_id": 1})

	docs, extra, err := runCursorOp(ctx, withTransformOptions(coll, collOpts), safeFilter, findOpts, cursorOp)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if id, ok := d["_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, extra, nil
}

// refineFilterToID rewrites filter so it only ever matches document id,
// folding in any existing _id constraint (spec section 4.6
// "queryPollDoc"). The second return value is false when the existing
// constraint provably excludes id, letting the caller short-circuit
// without touching the store.
func refineFilterToID(filter bson.M, id string) (bson.M, bool) {
	existing, hasID := filter["_id"]
	if !hasID {
		refined := make(bson.M, len(filter)+1)
		for k, v := range filter {
			refined[k] = v
		}
		refined["_id"] = id
		return refined, true
	}

	switch v := existing.(type) {
	case string:
		return filter, v == id
	case bson.M:
		if inVal, ok := v["$in"]; ok {
			arr, _ := inVal.(bson.A)
			for _, e := range arr {
				if e == id {
					return filter, true
				}
			}
			return nil, false
		}
		refined := make(bson.M, len(filter)+1)
		for k, fv := range filter {
			if k == "_id" {
				continue
			}
			refined[k] = fv
		}
		refined["$and"] = bson.A{bson.M{"_id": existing}, bson.M{"_id": id}}
		return refined, true
	default:
		return nil, false
	}
}

// QueryPollDoc refines q to document id and reports whether it currently
// matches (spec section 6 "queryPollDoc(C, id, q, opts) → bool").
func QueryPollDoc(ctx context.Context, coll *mongo.Collection, id string, q bson.M, opts QueryOptions) (bool, error) {
	if err := checkQuery(q, opts); err != nil {
		return false, err
	}
	filter, collOp, _, cursorOp := parseQuery(q)
	if collOp != nil || cursorOp != nil {
		return false, ErrCursorMethodAfterCollection
	}

	refined, ok := refineFilterToID(filter, id)
	if !ok {
		return false, nil
	}
	safe := makeQuerySafe(refined)

	cur, err := coll.Find(ctx, safe, options.Find().SetLimit(1).SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return false, err
	}
	defer cur.Close(ctx)
	return cur.Next(ctx), nil
}
