// Package sqlengine owns one embedded SQL engine instance per database,
// serializes statement execution, and marshals rows into ColumnValue
// (spec.md §4.5, C5).
package sqlengine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ColumnValueKind tags which arm of ColumnValue is populated.
type ColumnValueKind string

const (
	KindNull    ColumnValueKind = "null"
	KindInteger ColumnValueKind = "integer"
	KindReal    ColumnValueKind = "real"
	KindText    ColumnValueKind = "text"
	KindBlob    ColumnValueKind = "blob"
	KindDate    ColumnValueKind = "date"
	KindBigInt  ColumnValueKind = "bigint"
)

// dateLayout is the ISO-8601 millisecond form chosen to resolve spec.md §9's
// open question: Date round-trips as TEXT, never as an integer epoch,
// because integer storage cannot be distinguished from a plain INTEGER
// column without a side channel this engine does not maintain.
const dateLayout = "2006-01-02T15:04:05.000Z"

// ColumnValue is the seven-arm tagged union spec.md §4.5 specifies. Exactly
// one of the typed fields is meaningful, selected by Kind; callers should
// not read a field without checking Kind first.
type ColumnValue struct {
	Kind    ColumnValueKind
	Integer int64
	Real    float64
	Text    string
	Blob    []byte
	Date    time.Time
	BigInt  string // arbitrary-precision decimal string
}

func Null() ColumnValue                { return ColumnValue{Kind: KindNull} }
func Integer(v int64) ColumnValue      { return ColumnValue{Kind: KindInteger, Integer: v} }
func Real(v float64) ColumnValue       { return ColumnValue{Kind: KindReal, Real: v} }
func Text(v string) ColumnValue        { return ColumnValue{Kind: KindText, Text: v} }
func Blob(v []byte) ColumnValue        { return ColumnValue{Kind: KindBlob, Blob: v} }
func Date(v time.Time) ColumnValue     { return ColumnValue{Kind: KindDate, Date: v.UTC()} }
func BigInt(v string) ColumnValue      { return ColumnValue{Kind: KindBigInt, BigInt: v} }

// bindArg converts a ColumnValue into the driver-native value go-sqlite3
// expects for parameter binding. Date binds as its ISO-8601 string form.
func bindArg(v ColumnValue) (any, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindInteger:
		return v.Integer, nil
	case KindReal:
		return v.Real, nil
	case KindText:
		return v.Text, nil
	case KindBlob:
		return v.Blob, nil
	case KindDate:
		return v.Date.UTC().Format(dateLayout), nil
	case KindBigInt:
		return v.BigInt, nil
	default:
		return nil, fmt.Errorf("sqlengine: unknown ColumnValue kind %q", v.Kind)
	}
}

// fromDriverValue classifies a value read back from the driver into a
// ColumnValue. declType is the declared column type reported by the
// driver, used to recognise a DATE/DATETIME column stored as TEXT.
func fromDriverValue(raw any, declType string) ColumnValue {
	switch v := raw.(type) {
	case nil:
		return Null()
	case int64:
		return Integer(v)
	case float64:
		return Real(v)
	case []byte:
		return Blob(append([]byte(nil), v...))
	case string:
		if isDateDeclType(declType) {
			if t, err := time.Parse(dateLayout, v); err == nil {
				return Date(t)
			}
		}
		if looksLikeBigInt(v) {
			return BigInt(v)
		}
		return Text(v)
	default:
		return Text(fmt.Sprintf("%v", v))
	}
}

func isDateDeclType(declType string) bool {
	d := strings.ToUpper(strings.TrimSpace(declType))
	return d == "DATE" || d == "DATETIME"
}

// looksLikeBigInt recognises a plain decimal integer literal too large for
// int64, the only case the BigInt arm exists for.
func looksLikeBigInt(s string) bool {
	if s == "" {
		return false
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return false
	}
	trimmed := strings.TrimPrefix(s, "-")
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// wireColumnValue is ColumnValue's JSON wire form, used when a write
// request crosses a process boundary (coordinator write forwarding over
// the Networked host).
type wireColumnValue struct {
	Kind    ColumnValueKind `json:"kind"`
	Integer int64           `json:"integer,omitempty"`
	Real    float64         `json:"real,omitempty"`
	Text    string          `json:"text,omitempty"`
	Blob    []byte          `json:"blob,omitempty"`
	Date    time.Time       `json:"date,omitempty"`
	BigInt  string          `json:"bigint,omitempty"`
}

func (v ColumnValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireColumnValue{
		Kind: v.Kind, Integer: v.Integer, Real: v.Real, Text: v.Text,
		Blob: v.Blob, Date: v.Date, BigInt: v.BigInt,
	})
}

func (v *ColumnValue) UnmarshalJSON(data []byte) error {
	var w wireColumnValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = ColumnValue{
		Kind: w.Kind, Integer: w.Integer, Real: w.Real, Text: w.Text,
		Blob: w.Blob, Date: w.Date, BigInt: w.BigInt,
	}
	return nil
}

// EncodeParams/DecodeParams serialize a parameter list for write requests
// that cross a process boundary.
func EncodeParams(params []ColumnValue) ([]byte, error) {
	return json.Marshal(params)
}

func DecodeParams(data []byte) ([]ColumnValue, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var params []ColumnValue
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return params, nil
}
