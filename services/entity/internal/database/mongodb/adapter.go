// Package mongodb is the MongoDB storage adapter. Records keep their id in
// _id; the adapter exposes it as id.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/redbco/redb-entities/pkg/adapter"
)

// Adapter implements adapter.Adapter for MongoDB
type Adapter struct {
	cfg adapter.Config

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
}

// NewAdapter requires a uri and a database name. A per-call credential
// replaces the password of the user named in the uri.
func NewAdapter(cfg adapter.Config) (adapter.Adapter, error) {
	if err := cfg.Require(adapter.ParamURI, adapter.ParamDatabase); err != nil {
		return nil, err
	}
	opts := options.Client().ApplyURI(cfg.URI)
	if err := opts.Validate(); err != nil {
		return nil, &adapter.ConfigurationError{
			Backend: adapter.MongoDB,
			Field:   adapter.ParamURI,
			Reason:  "unparsable uri",
			Cause:   err,
		}
	}
	if cfg.Credential != "" && (opts.Auth == nil || opts.Auth.Username == "") {
		return nil, adapter.NewConfigurationError(adapter.MongoDB, adapter.ParamURI, "a credential requires a username in the uri")
	}
	return &Adapter{cfg: cfg}, nil
}

func (a *Adapter) Backend() adapter.BackendType {
	return adapter.MongoDB
}

func (a *Adapter) Connect(ctx context.Context) error {
	opts := options.Client().ApplyURI(a.cfg.URI)
	if a.cfg.Credential != "" && opts.Auth != nil {
		opts.Auth.Password = a.cfg.Credential
		opts.Auth.PasswordSet = true
	}
	target := "mongodb"
	if len(opts.Hosts) > 0 {
		target = opts.Hosts[0]
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return adapter.NewConnectionError(adapter.MongoDB, target, fmt.Errorf("error connecting to database: %w", err))
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return adapter.NewConnectionError(adapter.MongoDB, target, fmt.Errorf("error pinging database: %w", classify(err)))
	}

	a.mu.Lock()
	a.client = client
	a.db = client.Database(a.cfg.Database)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Disconnect(ctx)
	a.client = nil
	a.db = nil
	return err
}

func (a *Adapter) database() (*mongo.Database, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.db == nil {
		return nil, adapter.ErrNotConnected
	}
	return a.db, nil
}

func (a *Adapter) collection(resource string) (*mongo.Collection, error) {
	db, err := a.database()
	if err != nil {
		return nil, err
	}
	if resource == "" {
		return nil, fmt.Errorf("%w: collection name is required", adapter.ErrInvalidQuery)
	}
	return db.Collection(resource), nil
}

// classify maps server error codes onto the adapter sentinels
func classify(err error) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 13:
			return fmt.Errorf("%w: %s", adapter.ErrPermissionDenied, cmdErr.Message)
		case 18:
			return fmt.Errorf("%w: %s", adapter.ErrAuthenticationFailed, cmdErr.Message)
		}
	}
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return adapter.WrapError(adapter.MongoDB, op, classify(err))
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Adapter) Query(ctx context.Context, resource string, params adapter.QueryParams) ([]adapter.Record, error) {
	coll, err := a.collection(resource)
	if err != nil {
		return nil, err
	}
	filter, err := toFilter(params.Filters)
	if err != nil {
		return nil, err
	}
	sortDoc, err := toSort(params.Sort)
	if err != nil {
		return nil, err
	}
	projection, err := toProjection(params.Columns)
	if err != nil {
		return nil, err
	}

	findOpts := options.Find()
	if params.Limit > 0 {
		findOpts.SetLimit(int64(params.Limit))
	}
	if params.Offset > 0 {
		findOpts.SetSkip(int64(params.Offset))
	}
	if len(sortDoc) > 0 {
		findOpts.SetSort(sortDoc)
	}
	if len(projection) > 0 {
		findOpts.SetProjection(projection)
	}

	cursor, err := coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, wrap("query", err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("query", fmt.Errorf("error decoding documents: %w", err))
	}
	out := make([]adapter.Record, len(docs))
	for i, doc := range docs {
		out[i] = fromDocument(doc)
	}
	return out, nil
}

func (a *Adapter) QueryOne(ctx context.Context, resource, id string) (adapter.Record, error) {
	coll, err := a.collection(resource)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	err = coll.FindOne(ctx, bson.D{{Key: mongoIDField, Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("query_one", err)
	}
	return fromDocument(doc), nil
}

// prepareInsert assigns a uuid id when absent
func prepareInsert(data adapter.Record) (adapter.Record, bson.D, error) {
	rec := data.Clone()
	if rec == nil {
		rec = adapter.Record{}
	}
	if v, ok := rec[adapter.IDField]; !ok || v == nil {
		rec[adapter.IDField] = uuid.NewString()
	}
	doc, err := toDocument(rec, false)
	return rec, doc, err
}

func (a *Adapter) Insert(ctx context.Context, resource string, data adapter.Record) (adapter.Record, error) {
	coll, err := a.collection(resource)
	if err != nil {
		return nil, err
	}
	rec, doc, err := prepareInsert(data)
	if err != nil {
		return nil, err
	}
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		return nil, wrap("insert", err)
	}
	rec[adapter.IDField] = idString(rec[adapter.IDField])
	return rec, nil
}

// InsertMany is an ordered insert; without a replica-set transaction a failure
// can leave the earlier documents written.
func (a *Adapter) InsertMany(ctx context.Context, resource string, data []adapter.Record) ([]adapter.Record, error) {
	coll, err := a.collection(resource)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []adapter.Record{}, nil
	}

	recs := make([]adapter.Record, len(data))
	docs := make([]any, len(data))
	for i, d := range data {
		rec, doc, err := prepareInsert(d)
		if err != nil {
			return nil, err
		}
		rec[adapter.IDField] = idString(rec[adapter.IDField])
		recs[i] = rec
		docs[i] = doc
	}
	if _, err := coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return nil, wrap("insert_many", err)
	}
	return recs, nil
}

func (a *Adapter) Update(ctx context.Context, resource, id string, partial adapter.Record) (adapter.Record, error) {
	coll, err := a.collection(resource)
	if err != nil {
		return nil, err
	}
	set, err := toDocument(partial, true)
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: update has no fields to set", adapter.ErrInvalidQuery)
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc bson.M
	err = coll.FindOneAndUpdate(ctx, bson.D{{Key: mongoIDField, Value: id}}, bson.D{{Key: "$set", Value: set}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("update", err)
	}
	return fromDocument(doc), nil
}

// Upsert matches on conflictKeys. A new document keeps the supplied id or gets a
// generated one through $setOnInsert.
func (a *Adapter) Upsert(ctx context.Context, resource string, data adapter.Record, conflictKeys []string) (adapter.Record, error) {
	coll, err := a.collection(resource)
	if err != nil {
		return nil, err
	}
	if len(conflictKeys) == 0 {
		conflictKeys = []string{adapter.IDField}
	}

	filter := bson.D{}
	matchesID := false
	for _, k := range conflictKeys {
		if err := checkField(k); err != nil {
			return nil, err
		}
		v, ok := data[k]
		if !ok {
			return nil, fmt.Errorf("%w: upsert data is missing conflict key %s", adapter.ErrInvalidQuery, k)
		}
		name := fieldName(k)
		matchesID = matchesID || name == mongoIDField
		filter = append(filter, bson.E{Key: name, Value: toBSONValue(v)})
	}

	set, err := toDocument(data, true)
	if err != nil {
		return nil, err
	}
	update := bson.D{}
	if len(set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: set})
	}
	if !matchesID {
		id, ok := data[adapter.IDField]
		if !ok || id == nil {
			id = uuid.NewString()
		}
		update = append(update, bson.E{Key: "$setOnInsert", Value: bson.D{{Key: mongoIDField, Value: id}}})
	}
	if len(update) == 0 {
		update = bson.D{{Key: "$setOnInsert", Value: bson.D{}}}
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc bson.M
	if err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, wrap("upsert", err)
	}
	return fromDocument(doc), nil
}

func (a *Adapter) Delete(ctx context.Context, resource, id string) (bool, error) {
	coll, err := a.collection(resource)
	if err != nil {
		return false, err
	}
	res, err := coll.DeleteOne(ctx, bson.D{{Key: mongoIDField, Value: id}})
	if err != nil {
		return false, wrap("delete", err)
	}
	return res.DeletedCount > 0, nil
}

func (a *Adapter) Count(ctx context.Context, resource string, filters []adapter.Filter) (int64, error) {
	coll, err := a.collection(resource)
	if err != nil {
		return 0, err
	}
	filter, err := toFilter(filters)
	if err != nil {
		return 0, err
	}
	n, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// ExecuteRaw runs a database command written as extended JSON, for example
// {"listCollections": 1}. Positional params are not supported.
func (a *Adapter) ExecuteRaw(ctx context.Context, query string, params ...any) (any, error) {
	db, err := a.database()
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		return nil, adapter.NewUnsupportedOperationError(adapter.MongoDB, "execute_raw", "positional parameters are not supported")
	}
	cmd, err := parseCommand(query)
	if err != nil {
		return nil, err
	}

	var res bson.M
	if err := db.RunCommand(ctx, cmd).Decode(&res); err != nil {
		return nil, wrap("execute_raw", err)
	}
	return fromBSONValue(res), nil
}

func parseCommand(query string) (bson.D, error) {
	var cmd bson.D
	if err := bson.UnmarshalExtJSON([]byte(query), false, &cmd); err != nil {
		return nil, fmt.Errorf("%w: command must be an extended JSON document: %v", adapter.ErrInvalidQuery, err)
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: empty command", adapter.ErrInvalidQuery)
	}
	return cmd, nil
}

var _ adapter.Adapter = (*Adapter)(nil)
