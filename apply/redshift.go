package apply

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // Postgres wire protocol, which Redshift speaks.

	"github.com/directdata/bridge/schema"
)

// Redshift is the production Warehouse. The pool is sized to a single
// connection: one consumer holds one window transaction at a time, and a
// second connection could only be used to apply in parallel by mistake.
type Redshift struct {
	db     *sql.DB
	schema string
	gen    *Generator
}

// OpenRedshift connects to the warehouse at dsn, targeting the given
// schema and using iamRole for COPY.
func OpenRedshift(dsn, targetSchema, iamRole string) (*Redshift, error) {
	var db, err = sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening warehouse connection: %w", err)
	}
	db.SetMaxOpenConns(1)

	return &Redshift{
		db:     db,
		schema: targetSchema,
		gen:    NewGenerator(targetSchema, iamRole),
	}, nil
}

// Generator returns the SQL generator matching this warehouse's schema
// and COPY role.
func (r *Redshift) Generator() *Generator { return r.gen }

// Close releases the connection pool.
func (r *Redshift) Close() error { return r.db.Close() }

// EnsureSchema implements Warehouse.
func (r *Redshift) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, r.gen.CreateSchema()); err != nil {
		return fmt.Errorf("ensuring schema %s: %w", r.schema, err)
	}
	return nil
}

// TableColumns implements Warehouse.
func (r *Redshift) TableColumns(ctx context.Context, table string) ([]ColumnInfo, bool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT column_name, data_type, COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`,
		r.schema, table)
	if err != nil {
		return nil, false, fmt.Errorf("querying columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var name, dataType string
		var length int
		if err := rows.Scan(&name, &dataType, &length); err != nil {
			return nil, false, err
		}
		cols = append(cols, ColumnInfo{
			Name:   strings.ToLower(name),
			Type:   logicalOfWarehouse(dataType),
			Length: length,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return cols, len(cols) > 0, nil
}

// logicalOfWarehouse maps an information_schema data_type back onto the
// logical type space.
func logicalOfWarehouse(dataType string) schema.Type {
	switch strings.ToLower(dataType) {
	case "bigint", "integer", "smallint":
		return schema.Integer
	case "double precision", "real", "numeric":
		return schema.Float
	case "boolean":
		return schema.Bool
	case "date":
		return schema.Date
	case "timestamp with time zone", "timestamp without time zone":
		return schema.Timestamp
	default:
		return schema.String
	}
}

// Exec implements Warehouse.
func (r *Redshift) Exec(ctx context.Context, stmt string) error {
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
	}
	return nil
}

// Begin implements Warehouse.
func (r *Redshift) Begin(ctx context.Context) (Tx, error) {
	var tx, err = r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning window transaction: %w", err)
	}
	return &redshiftTx{tx: tx}, nil
}

type redshiftTx struct {
	tx *sql.Tx
}

func (t *redshiftTx) Exec(ctx context.Context, stmt string) error {
	if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
	}
	return nil
}

func (t *redshiftTx) Commit() error   { return t.tx.Commit() }
func (t *redshiftTx) Rollback() error { return t.tx.Rollback() }

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i] + " …"
	}
	return stmt
}

var _ Warehouse = (*Redshift)(nil)
