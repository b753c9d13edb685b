// Package keyedstore is the contract over the durable partitioned store.
// Rows are addressed by a partition key and an optional sort key; reads
// choose a consistency level per call; single-row compare-and-set runs
// against each row's version attribute.
package keyedstore

import (
	"context"
	"errors"
)

type ConsistencyLevel int

const (
	Eventual ConsistencyLevel = iota
	Strong
)

var (
	ErrNotFound        = errors.New("keyedstore: row not found")
	ErrVersionConflict = errors.New("keyedstore: version conflict")
	ErrUnknownTable    = errors.New("keyedstore: unknown table")
)

// Key addresses one row. Sort is empty for simple primary keys.
type Key struct {
	Partition string
	Sort      string
}

// QueryOptions shape a partition read. Descending returns newest-first when
// the sort key is time-ordered; Limit of 0 means no limit.
type QueryOptions struct {
	Descending bool
	Limit      int32
}

// TableSpec binds a logical table to its physical name and key attributes.
type TableSpec struct {
	Name         string
	PartitionKey string
	SortKey      string
}

// Schema maps logical table names to their specs. Both realizations are
// constructed with the same schema so tests and production agree on keys.
type Schema map[string]TableSpec

// Logical table names used by the repositories.
const (
	TableSessions        = "sessions"
	TableSessionsByToken = "sessions_by_token"
	TableOTPCodes        = "otp_codes"
	TableUsers           = "users"
	TableGames           = "games"
	TableContests        = "contests"
)

// IndexUsersByMobile is the users table index keyed by mobile_no.
const IndexUsersByMobile = "mobile_no-index"

// DefaultSchema returns the standard key layout with the given physical
// table name prefix (e.g. "lobbyd_" -> "lobbyd_sessions").
func DefaultSchema(prefix string) Schema {
	return Schema{
		TableSessions:        {Name: prefix + "sessions", PartitionKey: "device_key", SortKey: "session_id"},
		TableSessionsByToken: {Name: prefix + "sessions_by_token", PartitionKey: "session_token"},
		TableOTPCodes:        {Name: prefix + "otp_codes", PartitionKey: "otp_key", SortKey: "record_id"},
		TableUsers:           {Name: prefix + "users", PartitionKey: "id"},
		TableGames:           {Name: prefix + "games", PartitionKey: "id"},
		TableContests:        {Name: prefix + "contests", PartitionKey: "id"},
	}
}

// Store is the consumed contract. Items are structs with dynamodbav tags;
// every item carries an int64 "version" attribute.
//
// ConditionalPut writes the item only if the stored row's version equals
// expectedVersion; expectedVersion 0 requires the row to be absent. The
// caller sets the item's own version to expectedVersion+1 before the call.
// Writes are always durably acknowledged; the consistency level tunes
// reads only.
type Store interface {
	Get(ctx context.Context, table string, key Key, level ConsistencyLevel, out any) error
	Query(ctx context.Context, table, partition string, opts QueryOptions, level ConsistencyLevel, out any) error
	QueryIndex(ctx context.Context, table, index, attr, value string, opts QueryOptions, out any) error
	Scan(ctx context.Context, table string, out any) error
	Put(ctx context.Context, table string, item any) error
	ConditionalPut(ctx context.Context, table string, item any, expectedVersion int64) error
	Delete(ctx context.Context, table string, key Key) error
}
