package apply

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/directdata/bridge/schema"
)

func testGenerator() *Generator {
	return NewGenerator("veeva", "arn:aws:iam::123456789012:role/copy-role")
}

func TestCreateTable(t *testing.T) {
	var gen = testGenerator()
	require.Equal(t,
		"CREATE TABLE IF NOT EXISTS veeva.product__v (\n"+
			"\tid VARCHAR(255),\n"+
			"\tname__v VARCHAR(128),\n"+
			"\tscore BIGINT,\n"+
			"\tPRIMARY KEY (id)\n"+
			")",
		gen.CreateTable("product__v", []schema.Column{
			{Name: "id", Type: schema.String, Length: 255},
			{Name: "name__v", Type: schema.String, Length: 128},
			{Name: "score", Type: schema.Integer},
		}))

	// No primary-key clause when the key columns are not declared.
	require.Equal(t,
		"CREATE TABLE IF NOT EXISTS veeva.audit (\n\tevent VARCHAR(65535)\n)",
		gen.CreateTable("audit", []schema.Column{{Name: "event", Type: schema.String}}))
}

func TestCompositeKeys(t *testing.T) {
	require.Equal(t, []string{"object", "object_field", "picklist_value_name"}, PrimaryKeys("picklist__sys"))
	require.Equal(t, []string{"extract", "column_name"}, PrimaryKeys("metadata"))
	require.Equal(t, []string{"id"}, PrimaryKeys("product__v"))
}

func TestCopyStatement(t *testing.T) {
	var gen = testGenerator()
	require.Equal(t,
		"COPY veeva.product__v (id, name__v)\n"+
			"FROM 's3://bucket/root/key.csv'\n"+
			"IAM_ROLE 'arn:aws:iam::123456789012:role/copy-role'\n"+
			"FORMAT AS CSV\n"+
			"IGNOREHEADER 1\n"+
			"TIMEFORMAT 'auto'\n"+
			"ACCEPTINVCHARS\n"+
			"FILLRECORD\n"+
			"TRUNCATECOLUMNS",
		gen.Copy("product__v", "s3://bucket/root/key.csv", []string{"id", "name__v"}))
}

func TestMergeStatements(t *testing.T) {
	var gen = testGenerator()
	require.Equal(t,
		"CREATE TEMP TABLE tmp_product__v_stage (LIKE veeva.product__v)",
		gen.CreateStagingTable("tmp_product__v_stage", "product__v"))
	require.Equal(t,
		"DELETE FROM veeva.product__v\nUSING tmp_product__v_stage\n"+
			"WHERE veeva.product__v.id = tmp_product__v_stage.id",
		gen.DeleteUsing("product__v", "tmp_product__v_stage", PrimaryKeys("product__v")))
	require.Equal(t,
		"INSERT INTO veeva.product__v\nSELECT DISTINCT * FROM tmp_product__v_stage",
		gen.InsertDistinct("product__v", "tmp_product__v_stage"))
	require.Equal(t,
		"CREATE TEMP TABLE tmp_product__v_deletes (id VARCHAR(255), deleted_date TIMESTAMPTZ)",
		gen.CreateDeletesTable("tmp_product__v_deletes", []string{"id", "deleted_date"}))
}

func TestTypeDDL(t *testing.T) {
	var gen = testGenerator()
	var cases = []struct {
		col  schema.Column
		want string
	}{
		{schema.Column{Type: schema.String}, "VARCHAR(65535)"},
		{schema.Column{Type: schema.String, Length: 40}, "VARCHAR(40)"},
		{schema.Column{Type: schema.Integer}, "BIGINT"},
		{schema.Column{Type: schema.Float}, "DOUBLE PRECISION"},
		{schema.Column{Type: schema.Bool}, "BOOLEAN"},
		{schema.Column{Type: schema.Date}, "DATE"},
		{schema.Column{Type: schema.Timestamp}, "TIMESTAMPTZ"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, gen.TypeDDL(tc.col))
	}
}

func TestIdentifierQuoting(t *testing.T) {
	var gen = testGenerator()
	// Identifiers that cannot stand bare are double-quoted.
	require.Equal(t, `ALTER TABLE veeva.product__v ADD COLUMN "2nd_field" VARCHAR(65535)`,
		gen.AddColumn("product__v", schema.Column{Name: "2nd_field", Type: schema.String}))
}
