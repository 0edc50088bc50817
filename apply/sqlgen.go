package apply

import (
	"fmt"
	"strings"

	"github.com/directdata/bridge/schema"
)

// Generator renders the SQL of the apply engine in the warehouse's
// dialect, which is Redshift-shaped: COPY from the object store with an
// IAM role, temp staging tables, and DELETE USING merges.
type Generator struct {
	Schema     string
	IAMRole    string
	Identifier *Renderer
	Literal    *Renderer
}

// NewGenerator returns a Generator for the given target schema and COPY
// role.
func NewGenerator(targetSchema, iamRole string) *Generator {
	return &Generator{
		Schema:     targetSchema,
		IAMRole:    iamRole,
		Identifier: IdentifierRenderer(),
		Literal:    LiteralRenderer(),
	}
}

// PrimaryKeys returns the merge key of a table. Most objects key on id;
// the picklist and metadata system tables carry composite keys.
func PrimaryKeys(table string) []string {
	switch table {
	case "picklist__sys":
		return []string{"object", "object_field", "picklist_value_name"}
	case "metadata":
		return []string{"extract", "column_name"}
	default:
		return []string{"id"}
	}
}

func (g *Generator) qualified(table string) string {
	return g.Identifier.Render(g.Schema) + "." + g.Identifier.Render(table)
}

// ColumnDDL renders one column definition.
func (g *Generator) ColumnDDL(col schema.Column) string {
	return g.Identifier.Render(col.Name) + " " + g.TypeDDL(col)
}

// TypeDDL renders a logical column type in the warehouse dialect.
func (g *Generator) TypeDDL(col schema.Column) string {
	switch col.Type {
	case schema.Integer:
		return "BIGINT"
	case schema.Float:
		return "DOUBLE PRECISION"
	case schema.Bool:
		return "BOOLEAN"
	case schema.Date:
		return "DATE"
	case schema.Timestamp:
		return "TIMESTAMPTZ"
	default:
		if col.Length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", col.Length)
		}
		return "VARCHAR(65535)"
	}
}

// CreateSchema renders the idempotent schema creation.
func (g *Generator) CreateSchema() string {
	return "CREATE SCHEMA IF NOT EXISTS " + g.Identifier.Render(g.Schema)
}

// CreateTable renders the idempotent creation of a table.
func (g *Generator) CreateTable(table string, cols []schema.Column) string {
	var defs = make([]string, 0, len(cols)+1)
	for _, col := range cols {
		defs = append(defs, g.ColumnDDL(col))
	}
	if pks := PrimaryKeys(table); columnsContain(cols, pks) {
		var quoted = make([]string, len(pks))
		for i, pk := range pks {
			quoted[i] = g.Identifier.Render(pk)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		g.qualified(table), strings.Join(defs, ",\n\t"))
}

func columnsContain(cols []schema.Column, names []string) bool {
	var have = make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c.Name] = true
	}
	for _, n := range names {
		if !have[n] {
			return false
		}
	}
	return true
}

// AddColumn renders the addition of one column.
func (g *Generator) AddColumn(table string, col schema.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", g.qualified(table), g.ColumnDDL(col))
}

// AlterColumnType renders the widening of one column.
func (g *Generator) AlterColumnType(table string, col schema.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s",
		g.qualified(table), g.Identifier.Render(col.Name), g.TypeDDL(col))
}

// DropColumn renders the removal of one column.
func (g *Generator) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
		g.qualified(table), g.Identifier.Render(column))
}

// DropTable renders the idempotent removal of a table.
func (g *Generator) DropTable(table string) string {
	return "DROP TABLE IF EXISTS " + g.qualified(table)
}

// Truncate renders the truncation of a table.
func (g *Generator) Truncate(table string) string {
	return "TRUNCATE TABLE " + g.qualified(table)
}

// CreateStagingTable renders a transaction-local staging table cloned
// from the target.
func (g *Generator) CreateStagingTable(stagingTable, target string) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s)",
		g.Identifier.Render(stagingTable), g.qualified(target))
}

// Copy renders a COPY of a staged CSV into a target table. When headers
// are given, the column list pins the CSV column order.
func (g *Generator) Copy(target, url string, headers []string) string {
	return g.copyInto(g.qualified(target), url, headers)
}

// CopyStaging renders a COPY into a transaction-local staging table.
func (g *Generator) CopyStaging(stagingTable, url string, headers []string) string {
	return g.copyInto(g.Identifier.Render(stagingTable), url, headers)
}

func (g *Generator) copyInto(name, url string, headers []string) string {
	var columnList string
	if len(headers) > 0 {
		var quoted = make([]string, len(headers))
		for i, h := range headers {
			quoted[i] = g.Identifier.Render(h)
		}
		columnList = " (" + strings.Join(quoted, ", ") + ")"
	}
	return fmt.Sprintf(
		"COPY %s%s\nFROM %s\nIAM_ROLE %s\nFORMAT AS CSV\nIGNOREHEADER 1\nTIMEFORMAT 'auto'\nACCEPTINVCHARS\nFILLRECORD\nTRUNCATECOLUMNS",
		name, columnList, g.Literal.Render(url), g.Literal.Render(g.IAMRole))
}

// CreateDeletesTable renders a transaction-local table shaped like a
// staged deletes file: primary key columns plus the deletion timestamp.
func (g *Generator) CreateDeletesTable(name string, headers []string) string {
	var defs = make([]string, len(headers))
	for i, h := range headers {
		var typ = "VARCHAR(255)"
		if h == "deleted_date" {
			typ = "TIMESTAMPTZ"
		}
		defs[i] = g.Identifier.Render(h) + " " + typ
	}
	return fmt.Sprintf("CREATE TEMP TABLE %s (%s)",
		g.Identifier.Render(name), strings.Join(defs, ", "))
}

// DropTempTable renders the removal of a transaction-local table, so
// that the next window on the same session can recreate it.
func (g *Generator) DropTempTable(name string) string {
	return "DROP TABLE " + g.Identifier.Render(name)
}

// DeleteUsing renders the pre-load cleanup: delete target rows whose
// primary key appears in the staging table.
func (g *Generator) DeleteUsing(target, stagingTable string, pks []string) string {
	var conds = make([]string, len(pks))
	for i, pk := range pks {
		conds[i] = fmt.Sprintf("%s.%s = %s.%s",
			g.qualified(target), g.Identifier.Render(pk),
			g.Identifier.Render(stagingTable), g.Identifier.Render(pk))
	}
	return fmt.Sprintf("DELETE FROM %s\nUSING %s\nWHERE %s",
		g.qualified(target), g.Identifier.Render(stagingTable), strings.Join(conds, " AND "))
}

// InsertDistinct renders the load of staged rows into the target.
func (g *Generator) InsertDistinct(target, stagingTable string) string {
	return fmt.Sprintf("INSERT INTO %s\nSELECT DISTINCT * FROM %s",
		g.qualified(target), g.Identifier.Render(stagingTable))
}
