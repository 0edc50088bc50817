// Package schema models the logical column types of the Direct Data feed
// and the rules under which a live warehouse table may evolve to match a
// window's declared schema.
package schema

import (
	"fmt"
	"strings"
)

// Type is a logical column type, independent of any warehouse dialect.
type Type string

const (
	String    Type = "utf8"
	Integer   Type = "int64"
	Float     Type = "float64"
	Bool      Type = "bool"
	Date      Type = "date32"
	Timestamp Type = "timestamp"
)

// ParseType returns the Type named by |s|, or an error for unknown names.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case String, Integer, Float, Bool, Date, Timestamp:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown logical type %q", s)
}

// Column is one ordered column of an object's schema.
type Column struct {
	Name string
	Type Type
	// Length is the character limit of a utf8 column. Zero means the
	// dialect maximum.
	Length   int
	Nullable bool
}

// MapVendor maps a vendor-declared field type and length onto a logical
// Column type. "Number" maps to int64 by default and is promoted to
// float64 only by per-window sampling (see SniffNumber).
func MapVendor(vendorType string, length int) (Type, int) {
	switch strings.ToLower(vendorType) {
	case "string", "picklist", "text", "longtext":
		return String, length
	case "number", "numeric":
		return Integer, 0
	case "boolean":
		return Bool, 0
	case "date":
		return Date, 0
	case "datetime", "timestamp with time zone":
		return Timestamp, 0
	case "id", "reference", "objectreference":
		if length == 0 || length > 255 {
			length = 255
		}
		return String, length
	default:
		return String, 0
	}
}

// SniffNumber inspects sampled values of a vendor "Number" column and
// returns Float when any non-null value carries a decimal separator.
// Detection is per-window and is never persisted.
func SniffNumber(samples []string) Type {
	for _, v := range samples {
		if v == "" {
			continue
		}
		if strings.ContainsAny(v, ".eE") {
			return Float
		}
	}
	return Integer
}

// Widens reports whether a live column |from| may be altered to |to|
// without loss. The allowed widenings are int64 -> float64,
// utf8(N) -> utf8(M) for M > N (zero meaning the dialect maximum),
// and date -> timestamp.
func Widens(from, to Column) bool {
	if from.Type == to.Type {
		if from.Type != String {
			return true
		}
		return to.Length == 0 || (from.Length != 0 && to.Length >= from.Length)
	}
	switch {
	case from.Type == Integer && to.Type == Float:
		return true
	case from.Type == Date && to.Type == Timestamp:
		return true
	}
	return false
}

// NormalizeObject reconciles object names the warehouse cannot accept as
// identifiers. Names that are entirely digits are prefixed.
func NormalizeObject(name string) string {
	if name == "" {
		return name
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return strings.ToLower(name)
		}
	}
	return "n_" + name
}
