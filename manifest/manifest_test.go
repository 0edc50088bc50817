package manifest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/directdata/bridge/schema"
	"github.com/stretchr/testify/require"
)

const fixture = `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
product__v,upsert,product__v_upsert.csv,abc123,42,,,
product__v,delete,product__v_delete.csv,,7,,,
old_object__v,drop_table,,,,,,
product__v,drop_column,,,,legacy__c,,
product__v,add_column,,,,notes__c,,utf8
product__v,alter_column,,,,score__v,int64,float64
`

func TestParseRoundTrip(t *testing.T) {
	var m, err = Parse(strings.NewReader(fixture))
	require.NoError(t, err)
	require.Len(t, m.Rows(), 6)

	require.Equal(t, []Upsert{{
		ObjectName:  "product__v",
		File:        "product__v_upsert.csv",
		Fingerprint: "abc123",
		RowCount:    42,
	}}, m.Upserts())

	require.Equal(t, []Delete{{
		ObjectName: "product__v",
		File:       "product__v_delete.csv",
		RowCount:   7,
	}}, m.Deletes())

	require.Equal(t, []DropTable{{ObjectName: "old_object__v"}}, m.DropTables())
	require.Equal(t, []DropColumn{{ObjectName: "product__v", Column: "legacy__c"}}, m.DropColumns())
	require.Equal(t, []AddColumn{{ObjectName: "product__v", Column: "notes__c", To: schema.String}}, m.AddColumns())
	require.Equal(t, []AlterColumn{{
		ObjectName: "product__v",
		Column:     "score__v",
		From:       schema.Integer,
		To:         schema.Float,
	}}, m.AlterColumns())

	// Write renders back to the identical document.
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, m.Rows()))
	m2, err := Parse(&buf)
	require.NoError(t, err)
	require.Equal(t, m.Rows(), m2.Rows())
}

func TestParseRejections(t *testing.T) {
	var header = "object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n"

	var cases = []struct {
		name string
		row  string
	}{
		{"unknown operation", "x,replace,f.csv,,,,,"},
		{"upsert without file", "x,upsert,,,,,,"},
		{"delete without file", "x,delete,,,,,,"},
		{"drop_column without column", "x,drop_column,,,,,,"},
		{"add_column without type", "x,add_column,,,,c,,"},
		{"alter_column with bad from", "x,alter_column,,,,c,varchar,utf8"},
		{"missing object", ",upsert,f.csv,,,,,"},
		{"bad row_count", "x,upsert,f.csv,,many,,,"},
	}
	for _, tc := range cases {
		var _, err = Parse(strings.NewReader(header + tc.row + "\n"))
		require.Error(t, err, tc.name)
	}

	// A foreign header is rejected outright.
	_, err := Parse(strings.NewReader("extract,type,records\na,b,c\n"))
	require.Error(t, err)
}
