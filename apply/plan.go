package apply

import (
	"context"
	"fmt"

	"github.com/directdata/bridge/manifest"
	"github.com/directdata/bridge/schema"
)

// schemaPlan is the validated DDL of one window. Statements execute only
// after the whole plan builds without error, so a forbidden change fails
// the window before any DDL touches the warehouse.
type schemaPlan struct {
	statements []string
	exists     map[string]bool // table existence once the plan executes
	created    map[string]bool // tables this plan creates fresh
}

func (p *schemaPlan) add(stmt string) { p.statements = append(p.statements, stmt) }

// planSchema reconciles the warehouse's live tables against the window's
// declared schema: manifest drop and column directives first, then a
// diff of each loaded object's registry schema against its live columns.
func (e *Engine) planSchema(ctx context.Context, m *manifest.Manifest, registry schema.Registry) (*schemaPlan, error) {
	var plan = &schemaPlan{
		exists:  make(map[string]bool),
		created: make(map[string]bool),
	}
	var live = make(map[string]map[string]ColumnInfo)

	var probe = func(table string) (map[string]ColumnInfo, error) {
		if cols, ok := live[table]; ok {
			return cols, nil
		}
		cols, exists, err := e.wh.TableColumns(ctx, table)
		if err != nil {
			return nil, err
		}
		var byName map[string]ColumnInfo
		if exists {
			byName = make(map[string]ColumnInfo, len(cols))
			for _, c := range cols {
				byName[c.Name] = c
			}
		}
		live[table] = byName
		plan.exists[table] = exists
		return byName, nil
	}

	for _, d := range m.DropTables() {
		if _, err := probe(d.ObjectName); err != nil {
			return nil, err
		}
		plan.add(e.gen.DropTable(d.ObjectName))
		live[d.ObjectName] = nil
		plan.exists[d.ObjectName] = false
	}

	for _, d := range m.DropColumns() {
		cols, err := probe(d.ObjectName)
		if err != nil {
			return nil, err
		}
		if _, ok := cols[d.Column]; ok {
			plan.add(e.gen.DropColumn(d.ObjectName, d.Column))
			delete(cols, d.Column)
		}
	}

	for _, a := range m.AddColumns() {
		cols, err := probe(a.ObjectName)
		if err != nil {
			return nil, err
		}
		if cols == nil {
			// The table does not exist yet; its creation below carries
			// the column.
			continue
		}
		var want = schema.Column{Name: a.Column, Type: a.To}
		if liveCol, ok := cols[a.Column]; ok {
			stmt, err := e.reconcileColumn(a.ObjectName, liveCol, want)
			if err != nil {
				return nil, err
			}
			if stmt != "" {
				plan.add(stmt)
			}
		} else {
			plan.add(e.gen.AddColumn(a.ObjectName, want))
			cols[a.Column] = ColumnInfo{Name: want.Name, Type: want.Type}
		}
	}

	for _, a := range m.AlterColumns() {
		// The declared transition must be a widening regardless of the
		// live state.
		if !schema.Widens(schema.Column{Type: a.From}, schema.Column{Type: a.To}) {
			return nil, fmt.Errorf("%s.%s %s -> %s: %w",
				a.ObjectName, a.Column, a.From, a.To, ErrIncompatibleSchemaChange)
		}
		cols, err := probe(a.ObjectName)
		if err != nil {
			return nil, err
		}
		if cols == nil {
			continue
		}
		var want = schema.Column{Name: a.Column, Type: a.To}
		if liveCol, ok := cols[a.Column]; ok {
			stmt, err := e.reconcileColumn(a.ObjectName, liveCol, want)
			if err != nil {
				return nil, err
			}
			if stmt != "" {
				plan.add(stmt)
				cols[a.Column] = ColumnInfo{Name: want.Name, Type: want.Type}
			}
		} else {
			plan.add(e.gen.AddColumn(a.ObjectName, want))
		}
	}

	// Delete targets carry no schema of their own, but the load phase
	// needs their existence resolved: a deletes-only window must still
	// issue its DELETE when the table is live.
	for _, d := range m.Deletes() {
		if _, err := probe(d.ObjectName); err != nil {
			return nil, err
		}
	}

	// Each loaded object converges on its registry schema.
	for _, u := range m.Upserts() {
		cols, err := probe(u.ObjectName)
		if err != nil {
			return nil, err
		}
		var declared = registry.Columns(u.ObjectName)

		if cols == nil {
			if len(declared) == 0 {
				return nil, fmt.Errorf("object %s has no live table and the window declares no schema", u.ObjectName)
			}
			plan.add(e.gen.CreateTable(u.ObjectName, declared))
			plan.exists[u.ObjectName] = true
			plan.created[u.ObjectName] = true
			continue
		}

		for _, want := range declared {
			liveCol, ok := cols[want.Name]
			if !ok {
				plan.add(e.gen.AddColumn(u.ObjectName, want))
				continue
			}
			stmt, err := e.reconcileColumn(u.ObjectName, liveCol, want)
			if err != nil {
				return nil, err
			}
			if stmt != "" {
				plan.add(stmt)
			}
		}
	}
	return plan, nil
}

// reconcileColumn diffs one live column against its declared shape. A
// matching column yields nothing; a widening yields the ALTER; a
// narrower utf8 declaration is left alone (the live column stays wider);
// anything else is a forbidden change.
func (e *Engine) reconcileColumn(table string, live ColumnInfo, want schema.Column) (string, error) {
	var liveCol = schema.Column{Name: want.Name, Type: live.Type, Length: live.Length}
	if e.gen.TypeDDL(liveCol) == e.gen.TypeDDL(want) {
		return "", nil
	}
	if schema.Widens(liveCol, want) {
		return e.gen.AlterColumnType(table, want), nil
	}
	if liveCol.Type == schema.String && want.Type == schema.String {
		return "", nil
	}
	return "", fmt.Errorf("%s.%s %s -> %s: %w",
		table, want.Name, liveCol.Type, want.Type, ErrIncompatibleSchemaChange)
}
