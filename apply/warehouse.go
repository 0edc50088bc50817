// Package apply loads one staged window into the warehouse: schema
// reconciliation first, then a single transaction covering deletes and
// bulk loads. It is the only package that touches warehouse data tables.
package apply

import (
	"context"
	"errors"

	"github.com/directdata/bridge/controlplane"
	"github.com/directdata/bridge/schema"
)

var (
	// ErrIncompatibleSchemaChange marks a manifest schema change outside
	// the allowed widening matrix. The window fails before any DDL runs.
	ErrIncompatibleSchemaChange = errors.New("incompatible schema change")

	// ErrMissingObject marks a manifest referencing a staged file which
	// does not exist. This is a protocol error: the producer writes the
	// manifest last, so a complete prefix always has its files.
	ErrMissingObject = errors.New("manifest references a missing staged object")
)

// Request identifies one claimed window to apply.
type Request struct {
	VaultID     string
	LoadType    controlplane.LoadType
	LogicalTime string
	Prefix      string
	Epoch       int64
}

// ColumnInfo is one live column of a warehouse table.
type ColumnInfo struct {
	Name   string
	Type   schema.Type
	Length int
}

// Tx is one open warehouse transaction.
type Tx interface {
	Exec(ctx context.Context, stmt string) error
	Commit() error
	Rollback() error
}

// Warehouse is the engine's connection to the target. Exec runs an
// auto-committed statement, used for DDL the dialect cannot run inside
// the window transaction; all data mutation goes through Begin.
type Warehouse interface {
	// EnsureSchema creates the target schema namespace if absent.
	EnsureSchema(ctx context.Context) error

	// TableColumns reports a table's live columns in ordinal order, and
	// whether the table exists at all.
	TableColumns(ctx context.Context, table string) ([]ColumnInfo, bool, error)

	// Exec runs one auto-committed statement.
	Exec(ctx context.Context, stmt string) error

	// Begin opens the window transaction.
	Begin(ctx context.Context) (Tx, error)
}
