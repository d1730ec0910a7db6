// Package fakeservice is an in-memory remote service used by the demo and the
// tests. It serves a datastore-style query API with skipped results,
// per-entity cursors and batches cut short by a scan budget, and a list-style
// group API over gRPC.
package fakeservice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	apicall "github.com/JohnPlummer/jp-go-apicall"
)

// MoreResults tells the client whether a query batch is the last one.
type MoreResults int

const (
	// NotFinished means more batches follow.
	NotFinished MoreResults = iota

	// MoreResultsAfterLimit means the query limit was reached.
	MoreResultsAfterLimit

	// MoreResultsAfterCursor means the query end cursor was reached.
	MoreResultsAfterCursor

	// NoMoreResults means the data is exhausted.
	NoMoreResults
)

// String returns the wire name of the value.
func (m MoreResults) String() string {
	switch m {
	case NotFinished:
		return "NOT_FINISHED"
	case MoreResultsAfterLimit:
		return "MORE_RESULTS_AFTER_LIMIT"
	case MoreResultsAfterCursor:
		return "MORE_RESULTS_AFTER_CURSOR"
	case NoMoreResults:
		return "NO_MORE_RESULTS"
	default:
		return "MORE_RESULTS_TYPE_UNSPECIFIED"
	}
}

// ResultKind is the shape of the entities in a batch.
type ResultKind int

const (
	// Full batches carry whole entities.
	Full ResultKind = iota

	// KeyOnly batches carry keys without properties.
	KeyOnly

	// Projection batches carry a subset of properties.
	Projection
)

// Result types of query batches. Entity and projection results are both base
// entities; a projection accepts any result.
var (
	BaseEntityType = apicall.NewResultType("BaseEntity")
	EntityType     = BaseEntityType.Subtype("Entity")
	KeyType        = apicall.NewResultType("Key")
	ProjectionType = &apicall.ResultType{Name: "ProjectionEntity", Parent: BaseEntityType, Wildcard: true}
)

// ResultTypeOf maps a batch kind onto its result type.
func ResultTypeOf(kind ResultKind) *apicall.ResultType {
	switch kind {
	case KeyOnly:
		return KeyType
	case Projection:
		return ProjectionType
	default:
		return EntityType
	}
}

// Entity is a stored record.
type Entity struct {
	Properties *structpb.Struct
	Key        string
	Kind       string
}

// NewEntity creates an entity from plain Go values. It panics on values
// structpb cannot represent.
func NewEntity(kind, key string, props map[string]any) *Entity {
	s, err := structpb.NewStruct(props)
	if err != nil {
		panic(fmt.Sprintf("fakeservice: entity %s: %v", key, err))
	}
	return &Entity{Kind: kind, Key: key, Properties: s}
}

// Property returns a property as a plain Go value.
func (e *Entity) Property(name string) any {
	if e == nil || e.Properties == nil {
		return nil
	}
	v, ok := e.Properties.GetFields()[name]
	if !ok {
		return nil
	}
	return v.AsInterface()
}

// EntityResult is one entity in a batch with the cursor positioned after it.
type EntityResult struct {
	Entity *Entity
	Cursor apicall.Cursor
}

// PropertyFilter matches entities whose property equals Value.
type PropertyFilter struct {
	Value    *structpb.Value
	Property string
}

// Eq builds an equality filter. It panics on values structpb cannot represent.
func Eq(property string, value any) *PropertyFilter {
	v, err := structpb.NewValue(value)
	if err != nil {
		panic(fmt.Sprintf("fakeservice: filter %s: %v", property, err))
	}
	return &PropertyFilter{Property: property, Value: v}
}

// Query selects entities of one kind in key order.
type Query struct {
	Filter      *PropertyFilter
	StartCursor apicall.Cursor
	EndCursor   apicall.Cursor
	Kind        string
	Projection  []string
	Offset      int
	Limit       int
	BatchSize   int
	KeysOnly    bool
}

func (q Query) matches(e *Entity) bool {
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if q.Filter == nil {
		return true
	}
	v, ok := e.Properties.GetFields()[q.Filter.Property]
	return ok && proto.Equal(v, q.Filter.Value)
}

func (q Query) kind() ResultKind {
	switch {
	case q.KeysOnly:
		return KeyOnly
	case len(q.Projection) > 0:
		return Projection
	default:
		return Full
	}
}

func (q Query) shape(e *Entity) *Entity {
	switch q.kind() {
	case KeyOnly:
		return &Entity{Kind: e.Kind, Key: e.Key}
	case Projection:
		fields := make(map[string]*structpb.Value, len(q.Projection))
		for _, name := range q.Projection {
			if v, ok := e.Properties.GetFields()[name]; ok {
				fields[name] = v
			}
		}
		return &Entity{Kind: e.Kind, Key: e.Key, Properties: &structpb.Struct{Fields: fields}}
	default:
		return e
	}
}

// QueryResultBatch is one page of query results.
type QueryResultBatch struct {
	SkippedCursor  apicall.Cursor
	EndCursor      apicall.Cursor
	EntityResults  []*EntityResult
	SkippedResults int
	MoreResults    MoreResults
	ResultKind     ResultKind
}

// RunQueryRequest runs one query batch.
type RunQueryRequest struct {
	Query Query
}

// RunQueryResponse is the answer to a RunQueryRequest.
type RunQueryResponse struct {
	Batch *QueryResultBatch
	Query Query
}

// Store is the in-memory query backend. It is safe for concurrent use.
type Store struct {
	entities  []*Entity
	faults    []error
	scanLimit int
	batchSize int
	latency   time.Duration
	calls     int
	mu        sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithScanLimit bounds how many entities one call examines. Filtered queries
// then return short or empty batches that are not finished.
func WithScanLimit(n int) StoreOption {
	return func(s *Store) {
		s.scanLimit = n
	}
}

// WithBatchSize sets the batch size used when a query does not ask for one.
func WithBatchSize(n int) StoreOption {
	return func(s *Store) {
		s.batchSize = n
	}
}

// WithLatency delays every call.
func WithLatency(d time.Duration) StoreOption {
	return func(s *Store) {
		s.latency = d
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores entities, replacing those with the same key.
func (s *Store) Put(entities ...*Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entities {
		i, found := slices.BinarySearchFunc(s.entities, e.Key, func(a *Entity, key string) int {
			switch {
			case a.Key < key:
				return -1
			case a.Key > key:
				return 1
			default:
				return 0
			}
		})
		if found {
			s.entities[i] = e
		} else {
			s.entities = slices.Insert(s.entities, i, e)
		}
	}
}

// FailNext makes the next n calls fail with code.
func (s *Store) FailNext(code codes.Code, n int) {
	s.FailNextWith(status.Error(code, "injected failure"), n)
}

// FailNextWith makes the next n calls fail with err.
func (s *Store) FailNextWith(err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.faults = append(s.faults, err)
	}
}

// Calls returns the number of RunQuery calls served, failed ones included.
func (s *Store) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// RunQuery runs one batch of req.Query.
func (s *Store) RunQuery(ctx context.Context, req *RunQueryRequest) (*RunQueryResponse, error) {
	s.mu.Lock()
	s.calls++
	latency := s.latency
	var fault error
	if len(s.faults) > 0 {
		fault = s.faults[0]
		s.faults = s.faults[1:]
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		case <-time.After(latency):
		}
	}
	if fault != nil {
		return nil, fault
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "missing request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := s.run(req.Query)
	if err != nil {
		return nil, err
	}
	return &RunQueryResponse{Batch: batch, Query: req.Query}, nil
}

func (s *Store) run(q Query) (*QueryResultBatch, error) {
	if q.Offset < 0 || q.Limit < 0 || q.BatchSize < 0 {
		return nil, status.Error(codes.InvalidArgument, "offset, limit and batch size must not be negative")
	}

	pos, err := decodePosition(q.StartCursor, 0)
	if err != nil {
		return nil, err
	}
	end, err := decodePosition(q.EndCursor, len(s.entities))
	if err != nil {
		return nil, err
	}
	end = min(end, len(s.entities))
	bounded := !q.EndCursor.IsEmpty()

	batch := &QueryResultBatch{ResultKind: q.kind()}
	scanned := 0
	canScan := func() bool {
		return pos < end && (s.scanLimit == 0 || scanned < s.scanLimit)
	}

	for batch.SkippedResults < q.Offset && canScan() {
		e := s.entities[pos]
		pos++
		scanned++
		if q.matches(e) {
			batch.SkippedResults++
			batch.SkippedCursor = encodePosition(pos)
		}
	}

	size := q.BatchSize
	if size == 0 {
		size = s.batchSize
	}
	if q.Limit > 0 && (size == 0 || q.Limit < size) {
		size = q.Limit
	}

	if batch.SkippedResults == q.Offset {
		for (size == 0 || len(batch.EntityResults) < size) && canScan() {
			e := s.entities[pos]
			pos++
			scanned++
			if !q.matches(e) {
				continue
			}
			batch.EntityResults = append(batch.EntityResults, &EntityResult{
				Entity: q.shape(e),
				Cursor: encodePosition(pos),
			})
		}
	}

	batch.EndCursor = encodePosition(pos)
	switch {
	case q.Limit > 0 && len(batch.EntityResults) >= q.Limit:
		batch.MoreResults = MoreResultsAfterLimit
	case pos >= end && bounded:
		batch.MoreResults = MoreResultsAfterCursor
	case pos >= end:
		batch.MoreResults = NoMoreResults
	default:
		batch.MoreResults = NotFinished
	}
	return batch, nil
}

// NextQuery continues prev after resp: it starts at the batch end cursor and
// consumes the offset and limit used so far.
func NextQuery(prev *RunQueryRequest, resp *RunQueryResponse) *RunQueryRequest {
	q := prev.Query
	q.StartCursor = resp.Batch.EndCursor
	if q.Offset > 0 {
		q.Offset = max(q.Offset-resp.Batch.SkippedResults, 0)
	}
	if q.Limit > 0 {
		q.Limit = max(q.Limit-len(resp.Batch.EntityResults), 0)
	}
	return &RunQueryRequest{Query: q}
}

var errBadCursor = errors.New("malformed cursor")

func encodePosition(pos int) apicall.Cursor {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(pos)) // #nosec G115 - positions are slice indexes
	return apicall.Cursor(b)
}

func decodePosition(c apicall.Cursor, fallback int) (int, error) {
	if c.IsEmpty() {
		return fallback, nil
	}
	if len(c) != 4 {
		return 0, status.Error(codes.InvalidArgument, errBadCursor.Error())
	}
	return int(binary.BigEndian.Uint32(c)), nil
}
