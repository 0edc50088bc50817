package apply

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/directdata/bridge/controlplane"
	"github.com/directdata/bridge/schema"
	"github.com/directdata/bridge/staging"
)

type fakeWarehouse struct {
	tables   map[string][]ColumnInfo
	executed []string
	txs      []*fakeTx
	failOn   string // substring failing a transaction statement
}

func (f *fakeWarehouse) EnsureSchema(context.Context) error { return nil }

func (f *fakeWarehouse) TableColumns(_ context.Context, table string) ([]ColumnInfo, bool, error) {
	var cols, ok = f.tables[table]
	return cols, ok, nil
}

func (f *fakeWarehouse) Exec(_ context.Context, stmt string) error {
	f.executed = append(f.executed, stmt)
	return nil
}

func (f *fakeWarehouse) Begin(context.Context) (Tx, error) {
	var tx = &fakeTx{failOn: f.failOn}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type fakeTx struct {
	stmts      []string
	failOn     string
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(_ context.Context, stmt string) error {
	if t.failOn != "" && strings.Contains(stmt, t.failOn) {
		return errAssert{}
	}
	t.stmts = append(t.stmts, stmt)
	return nil
}

type errAssert struct{}

func (errAssert) Error() string { return "injected statement failure" }

func (t *fakeTx) Commit() error   { t.committed = true; return nil }
func (t *fakeTx) Rollback() error { t.rolledBack = true; return nil }

const engineMetadata = "extract,column_name,type,length\n" +
	"Object.product__v,id,id,0\n" +
	"Object.product__v,name__v,String,128\n" +
	"Object.product__v,score,Number,0\n" +
	"Object.product__v,notes,String,0\n"

func stageWindow(t *testing.T, objects *staging.Memory, prefix string, files map[string]string) {
	t.Helper()
	var ctx = context.Background()
	for name, body := range files {
		require.NoError(t, objects.Put(ctx, prefix+"/"+name, strings.NewReader(body)))
	}
}

func incrRequest(prefix string) Request {
	return Request{
		VaultID:     "vault-1",
		LoadType:    controlplane.LoadIncremental,
		LogicalTime: "202401010015",
		Prefix:      prefix,
	}
}

func liveProduct() map[string][]ColumnInfo {
	return map[string][]ColumnInfo{
		"product__v": {
			{Name: "id", Type: schema.String, Length: 255},
			{Name: "name__v", Type: schema.String, Length: 128},
			{Name: "score", Type: schema.Integer},
		},
	}
}

func TestApplyAllowedSchemaDrift(t *testing.T) {
	var ctx = context.Background()
	var objects = staging.NewMemory()
	var prefix = "vault=vault-1/incr/stoptime=202401010015"

	stageWindow(t, objects, prefix, map[string]string{
		"manifest.csv": "object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n" +
			"product__v,add_column,,,,notes,,utf8\n" +
			"product__v,alter_column,,,,score,int64,float64\n" +
			"product__v,upsert,Object/product__v.csv,,2,,,\n",
		"metadata.csv":          engineMetadata,
		"Object/product__v.csv": "id,name__v,score,notes\np1,Cholecap,9.5,fine\np2,Restolar,3.25,\n",
	})

	var wh = &fakeWarehouse{tables: liveProduct()}
	var engine = NewEngine(objects, wh, testGenerator())
	require.NoError(t, engine.Apply(ctx, incrRequest(prefix)))

	// DDL ran auto-committed: the new column and the widening.
	require.Equal(t, []string{
		`ALTER TABLE veeva.product__v ADD COLUMN notes VARCHAR(65535)`,
		`ALTER TABLE veeva.product__v ALTER COLUMN score TYPE DOUBLE PRECISION`,
	}, wh.executed)

	// The transaction merged through a staging table and committed.
	require.Len(t, wh.txs, 1)
	var tx = wh.txs[0]
	require.True(t, tx.committed)
	require.False(t, tx.rolledBack)

	require.Equal(t, "CREATE TEMP TABLE tmp_product__v_stage (LIKE veeva.product__v)", tx.stmts[0])
	require.Contains(t, tx.stmts[1], "COPY tmp_product__v_stage (id, name__v, score, notes)")
	require.Contains(t, tx.stmts[1], "FROM 'mem://bucket/"+prefix+"/Object/product__v.csv'")
	require.Contains(t, tx.stmts[2], "DELETE FROM veeva.product__v")
	require.Contains(t, tx.stmts[3], "SELECT DISTINCT * FROM tmp_product__v_stage")
	require.Equal(t, "DROP TABLE tmp_product__v_stage", tx.stmts[4])
}

func TestApplyForbiddenSchemaDrift(t *testing.T) {
	var ctx = context.Background()
	var objects = staging.NewMemory()
	var prefix = "vault=vault-1/incr/stoptime=202401010015"

	stageWindow(t, objects, prefix, map[string]string{
		"manifest.csv": "object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n" +
			"product__v,alter_column,,,,score,float64,int64\n",
	})

	var wh = &fakeWarehouse{tables: liveProduct()}
	var engine = NewEngine(objects, wh, testGenerator())

	var err = engine.Apply(ctx, incrRequest(prefix))
	require.ErrorIs(t, err, ErrIncompatibleSchemaChange)

	// The window failed before any DDL or transaction touched the
	// warehouse.
	require.Empty(t, wh.executed)
	require.Empty(t, wh.txs)
}

func TestApplyMissingStagedFile(t *testing.T) {
	var ctx = context.Background()
	var objects = staging.NewMemory()
	var prefix = "vault=vault-1/incr/stoptime=202401010015"

	stageWindow(t, objects, prefix, map[string]string{
		"manifest.csv": "object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n" +
			"product__v,upsert,Object/product__v.csv,,2,,,\n",
	})

	var wh = &fakeWarehouse{tables: liveProduct()}
	var engine = NewEngine(objects, wh, testGenerator())
	require.ErrorIs(t, engine.Apply(ctx, incrRequest(prefix)), ErrMissingObject)
}

func TestApplyRollsBackOnLoadFailure(t *testing.T) {
	var ctx = context.Background()
	var objects = staging.NewMemory()
	var prefix = "vault=vault-1/incr/stoptime=202401010015"

	stageWindow(t, objects, prefix, map[string]string{
		"manifest.csv": "object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n" +
			"product__v,upsert,Object/product__v.csv,,1,,,\n",
		"metadata.csv":          engineMetadata,
		"Object/product__v.csv": "id,name__v,score,notes\np1,Cholecap,7,ok\n",
	})

	var wh = &fakeWarehouse{tables: liveProduct(), failOn: "COPY"}
	var engine = NewEngine(objects, wh, testGenerator())

	require.Error(t, engine.Apply(ctx, incrRequest(prefix)))
	require.Len(t, wh.txs, 1)
	require.False(t, wh.txs[0].committed)
	require.True(t, wh.txs[0].rolledBack)
}

func TestApplyDeletesBeforeUpserts(t *testing.T) {
	var ctx = context.Background()
	var objects = staging.NewMemory()
	var prefix = "vault=vault-1/incr/stoptime=202401010015"

	stageWindow(t, objects, prefix, map[string]string{
		"manifest.csv": "object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n" +
			"product__v,upsert,Object/product__v.csv,,1,,,\n" +
			"product__v,delete,Object/product__v_deletes.csv,,1,,,\n",
		"metadata.csv":                  engineMetadata,
		"Object/product__v.csv":         "id,name__v,score,notes\np1,Cholecap,7,ok\n",
		"Object/product__v_deletes.csv": "id,deleted_date\np9,2024-01-01T00:10:00Z\n",
	})

	var wh = &fakeWarehouse{tables: liveProduct()}
	var engine = NewEngine(objects, wh, testGenerator())
	require.NoError(t, engine.Apply(ctx, incrRequest(prefix)))

	var tx = wh.txs[0]
	require.Equal(t,
		"CREATE TEMP TABLE tmp_product__v_deletes (id VARCHAR(255), deleted_date TIMESTAMPTZ)",
		tx.stmts[0])
	var deleteIdx, upsertIdx = -1, -1
	for i, stmt := range tx.stmts {
		if strings.Contains(stmt, "USING tmp_product__v_deletes") {
			deleteIdx = i
		}
		if strings.Contains(stmt, "SELECT DISTINCT") {
			upsertIdx = i
		}
	}
	require.Greater(t, upsertIdx, deleteIdx)
	require.GreaterOrEqual(t, deleteIdx, 0)
}

func TestApplyDeletesOnlyWindow(t *testing.T) {
	var ctx = context.Background()
	var objects = staging.NewMemory()
	var prefix = "vault=vault-1/incr/stoptime=202401010015"

	stageWindow(t, objects, prefix, map[string]string{
		"manifest.csv": "object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n" +
			"product__v,delete,Object/product__v_deletes.csv,,1,,,\n",
		"Object/product__v_deletes.csv": "id,deleted_date\np9,2024-01-01T00:10:00Z\n",
	})

	var wh = &fakeWarehouse{tables: liveProduct()}
	var engine = NewEngine(objects, wh, testGenerator())
	require.NoError(t, engine.Apply(ctx, incrRequest(prefix)))

	// The live table's rows are deleted even without an accompanying
	// upsert in the window.
	require.Len(t, wh.txs, 1)
	var tx = wh.txs[0]
	require.True(t, tx.committed)
	var joined = strings.Join(tx.stmts, "\n---\n")
	require.Contains(t, joined, "CREATE TEMP TABLE tmp_product__v_deletes")
	require.Contains(t, joined, "DELETE FROM veeva.product__v\nUSING tmp_product__v_deletes")
	require.Contains(t, joined, "DROP TABLE tmp_product__v_deletes")
}

func TestApplyKeepsWiderLiveColumn(t *testing.T) {
	var ctx = context.Background()
	var objects = staging.NewMemory()
	var prefix = "vault=vault-1/incr/stoptime=202401010015"

	// The window declares name__v narrower than the live column. The
	// live, wider column is kept: no narrowing DDL and no failure.
	stageWindow(t, objects, prefix, map[string]string{
		"manifest.csv": "object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n" +
			"product__v,upsert,Object/product__v.csv,,1,,,\n",
		"metadata.csv": "extract,column_name,type,length\n" +
			"Object.product__v,id,id,0\n" +
			"Object.product__v,name__v,String,64\n" +
			"Object.product__v,score,Number,0\n",
		"Object/product__v.csv": "id,name__v,score\np1,Cholecap,7\n",
	})

	var wh = &fakeWarehouse{tables: liveProduct()}
	var engine = NewEngine(objects, wh, testGenerator())
	require.NoError(t, engine.Apply(ctx, incrRequest(prefix)))

	require.Empty(t, wh.executed)
	require.Len(t, wh.txs, 1)
	require.True(t, wh.txs[0].committed)
}

func TestApplyFullLoad(t *testing.T) {
	var ctx = context.Background()
	var objects = staging.NewMemory()
	var prefix = "vault=vault-1/full/date=20240101"

	stageWindow(t, objects, prefix, map[string]string{
		"full_manifest.csv": "object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n" +
			"product__v,upsert,Object/product__v.csv,,2,,,\n" +
			"study__v,upsert,Object/study__v.csv,,1,,,\n",
		"metadata.csv": engineMetadata +
			"Object.study__v,id,id,0\nObject.study__v,name__v,String,128\n",
		"Object/product__v.csv": "id,name__v,score,notes\np1,Cholecap,7,ok\np2,Restolar,3,\n",
		"Object/study__v.csv":   "id,name__v\ns1,CHOLECAP-301\n",
	})

	// product__v exists and is truncated; study__v is created fresh and
	// is not.
	var wh = &fakeWarehouse{tables: liveProduct()}
	var engine = NewEngine(objects, wh, testGenerator())
	require.NoError(t, engine.Apply(ctx, Request{
		VaultID:     "vault-1",
		LoadType:    controlplane.LoadFull,
		LogicalTime: "20240101",
		Prefix:      prefix,
	}))

	require.Contains(t, wh.executed[len(wh.executed)-1], "CREATE TABLE IF NOT EXISTS veeva.study__v")

	var tx = wh.txs[0]
	require.True(t, tx.committed)
	var joined = strings.Join(tx.stmts, "\n---\n")
	require.Contains(t, joined, "TRUNCATE TABLE veeva.product__v")
	require.NotContains(t, joined, "TRUNCATE TABLE veeva.study__v")
	require.Contains(t, joined, "COPY veeva.study__v")
}
