package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVendorTypeMapping(t *testing.T) {
	var cases = []struct {
		vendor string
		length int
		typ    Type
	}{
		{"String", 128, String},
		{"Picklist", 0, String},
		{"Number", 0, Integer},
		{"Boolean", 0, Bool},
		{"Date", 0, Date},
		{"DateTime", 0, Timestamp},
		{"ObjectReference", 0, String},
		{"SomethingNew", 0, String},
	}
	for _, tc := range cases {
		var typ, _ = MapVendor(tc.vendor, tc.length)
		require.Equal(t, tc.typ, typ, "vendor type %s", tc.vendor)
	}

	// References are capped at 255 characters.
	_, length := MapVendor("Reference", 0)
	require.Equal(t, 255, length)
	_, length = MapVendor("Reference", 64)
	require.Equal(t, 64, length)
}

func TestNumberSniffing(t *testing.T) {
	require.Equal(t, Integer, SniffNumber([]string{"1", "", "42", "-7"}))
	require.Equal(t, Float, SniffNumber([]string{"1", "3.14"}))
	require.Equal(t, Float, SniffNumber([]string{"1e6"}))
	require.Equal(t, Integer, SniffNumber(nil))
}

func TestAllowedWidenings(t *testing.T) {
	require.True(t, Widens(Column{Type: Integer}, Column{Type: Float}))
	require.True(t, Widens(Column{Type: Date}, Column{Type: Timestamp}))
	require.True(t, Widens(
		Column{Type: String, Length: 128},
		Column{Type: String, Length: 255}))
	require.True(t, Widens(
		Column{Type: String, Length: 128},
		Column{Type: String, Length: 0})) // to dialect maximum

	// Narrowings and cross-type changes are rejected.
	require.False(t, Widens(Column{Type: Float}, Column{Type: Integer}))
	require.False(t, Widens(Column{Type: Timestamp}, Column{Type: Date}))
	require.False(t, Widens(
		Column{Type: String, Length: 255},
		Column{Type: String, Length: 128}))
	require.False(t, Widens(Column{Type: String}, Column{Type: Bool}))
}

func TestParseMetadata(t *testing.T) {
	var doc = strings.Join([]string{
		"modified_date__v,extract,extract_label,column_name,column_label,type,length,related_extract",
		"2024-01-01T00:00:00Z,Object.product__v,Product,id,ID,ID,,",
		"2024-01-01T00:00:00Z,Object.product__v,Product,name__v,Name,String,128,",
		"2024-01-01T00:00:00Z,Object.product__v,Product,score__v,Score,Number,,",
		"2024-01-01T00:00:00Z,Picklist.picklist__sys,Picklist,picklist_value_name,Value,String,255,",
	}, "\n")

	registry, err := ParseMetadata(strings.NewReader(doc))
	require.NoError(t, err)

	require.Equal(t, []Column{
		{Name: "id", Type: String, Length: 255, Nullable: true},
		{Name: "name__v", Type: String, Length: 128, Nullable: true},
		{Name: "score__v", Type: Integer, Nullable: true},
	}, registry.Columns("product__v"))

	require.Len(t, registry.Columns("picklist__sys"), 1)
	require.Equal(t, "id:utf8,name__v:utf8,score__v:int64",
		registry.Fingerprint("product__v"))
}

func TestParseMetadataErrors(t *testing.T) {
	var _, err = ParseMetadata(strings.NewReader("extract,column_name\nfoo,bar"))
	require.Error(t, err) // missing "type" column

	_, err = ParseMetadata(strings.NewReader(
		"extract,column_name,type,length\nObject.x,id,ID,notanumber"))
	require.Error(t, err)
}

func TestNormalizeObject(t *testing.T) {
	require.Equal(t, "product__v", NormalizeObject("product__v"))
	require.Equal(t, "n_1234", NormalizeObject("1234"))
	require.Equal(t, "mixed1", NormalizeObject("Mixed1"))
}
