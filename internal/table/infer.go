package table

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
}

var inferCandidates = [...]Type{BigInt, Double, Boolean, Date, Timestamp}

// Inferrer accumulates the text values of one column and reports the
// narrowest type that parses all of them. The zero value is ready to use.
type Inferrer struct {
	dead [len(inferCandidates)]bool
	seen bool
	text bool
}

// Observe records one value. The empty string is NULL and is ignored.
func (in *Inferrer) Observe(v string) {
	if v == "" || in.text {
		return
	}
	in.seen = true
	ok := false
	for i, t := range inferCandidates {
		if in.dead[i] {
			continue
		}
		if _, err := ParseString(v, t); err != nil {
			in.dead[i] = true
			continue
		}
		ok = true
	}
	if !ok {
		in.text = true
	}
}

// Type returns the type for every value observed so far.
func (in *Inferrer) Type() Type {
	if !in.seen || in.text {
		return Varchar
	}
	for i, t := range inferCandidates {
		if !in.dead[i] {
			return t
		}
	}
	return Varchar
}

// InferType picks the narrowest type that parses every non-empty value.
// Candidates are tried in order BIGINT, DOUBLE, BOOLEAN, DATE, TIMESTAMP;
// anything else, including an all-empty column, is VARCHAR.
//
// Integers with a leading zero ("007") are kept as text so identifiers such
// as postal codes survive.
func InferType(values []string) Type {
	var in Inferrer
	for _, v := range values {
		in.Observe(v)
	}
	return in.Type()
}

// ParseString converts a text cell to t. The empty string is NULL.
func ParseString(s string, t Type) (any, error) {
	if s == "" {
		return nil, nil
	}
	switch t {
	case Varchar:
		return s, nil
	case BigInt:
		if hasLeadingZero(s) {
			return nil, fmt.Errorf("%q: leading zero", s)
		}
		return strconv.ParseInt(s, 10, 64)
	case Double:
		if hasLeadingZero(s) {
			return nil, fmt.Errorf("%q: leading zero", s)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("%q: not a finite number", s)
		}
		return f, nil
	case Boolean:
		switch strings.ToLower(s) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("%q: not a boolean", s)
	case Date:
		return time.Parse(dateLayout, s)
	case Timestamp:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return nil, fmt.Errorf("%q: not a timestamp", s)
	case Decimal:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("%q: not a decimal", s)
		}
		return d.String(), nil
	}
	return nil, fmt.Errorf("unknown type %d", t)
}

func hasLeadingZero(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	return len(s) > 1 && s[0] == '0' && s[1] >= '0' && s[1] <= '9'
}

// Coerce converts a driver value (as returned by database/sql) to the Go
// representation of t expected by the stage writer: string, int64, float64,
// bool or time.Time. Decimal values become canonical decimal strings so no
// digit is lost. nil stays nil.
func Coerce(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if s, ok := v.(string); ok && t != Varchar {
		return ParseString(strings.TrimSpace(s), t)
	}

	switch t {
	case Varchar:
		switch x := v.(type) {
		case string:
			return x, nil
		case time.Time:
			return x.Format(time.RFC3339Nano), nil
		}
		return fmt.Sprint(v), nil

	case BigInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int16:
			return int64(x), nil
		case int8:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		case uint16:
			return int64(x), nil
		case uint8:
			return int64(x), nil
		case uint64:
			if x > math.MaxInt64 {
				return nil, fmt.Errorf("%d overflows BIGINT", x)
			}
			return int64(x), nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("%v is not integral", x)
			}
			return int64(x), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		}

	case Double:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int32:
			return float64(x), nil
		}

	case Boolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		}

	case Date, Timestamp:
		if x, ok := v.(time.Time); ok {
			return x, nil
		}

	case Decimal:
		switch x := v.(type) {
		case float64:
			return decimal.NewFromFloat(x).String(), nil
		case float32:
			return decimal.NewFromFloat32(x).String(), nil
		case int64:
			return decimal.NewFromInt(x).String(), nil
		case int:
			return decimal.NewFromInt(int64(x)).String(), nil
		case int32:
			return decimal.NewFromInt32(x).String(), nil
		case decimal.Decimal:
			return x.String(), nil
		case fmt.Stringer:
			return ParseString(x.String(), Decimal)
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}

// TypeFromDatabase maps a driver's column type name to a Type. ok is false
// when the name is empty or unknown, in which case callers should infer
// from values. Fixed-point names map to Decimal; the width comes from the
// driver or from DecimalSize.
func TypeFromDatabase(name string) (t Type, ok bool) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexByte(n, '('); i >= 0 {
		n = n[:i]
	}
	switch n {
	case "":
		return Varchar, false
	case "BIGINT", "INT", "INTEGER", "SMALLINT", "TINYINT", "INT2", "INT4", "INT8", "LONG", "SHORT", "BYTE":
		return BigInt, true
	case "DOUBLE", "FLOAT", "REAL", "FLOAT4", "FLOAT8":
		return Double, true
	case "NUMERIC", "DECIMAL", "NUMBER", "MONEY", "SMALLMONEY", "FIXED":
		return Decimal, true
	case "BOOLEAN", "BOOL", "BIT":
		return Boolean, true
	case "DATE":
		return Date, true
	case "TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP_NTZ", "TIMESTAMP_LTZ", "TIMESTAMP_TZ", "DATETIME", "DATETIME2", "SMALLDATETIME", "DATETIMEOFFSET":
		return Timestamp, true
	case "VARCHAR", "CHAR", "TEXT", "STRING", "NVARCHAR", "NCHAR", "NTEXT", "UUID", "UNIQUEIDENTIFIER", "BPCHAR", "JSON", "JSONB":
		return Varchar, true
	}
	return Varchar, false
}

// DecimalSize reads precision and scale from a type name such as
// "DECIMAL(38,2)" or "NUMERIC(10)". MONEY and SMALLMONEY have fixed widths.
func DecimalSize(name string) (precision, scale int, ok bool) {
	n := strings.ToUpper(strings.TrimSpace(name))
	switch n {
	case "MONEY":
		return 19, 4, true
	case "SMALLMONEY":
		return 10, 4, true
	}
	open, end := strings.IndexByte(n, '('), strings.LastIndexByte(n, ')')
	if open < 0 || end < open {
		return 0, 0, false
	}
	parts := strings.Split(n[open+1:end], ",")
	if len(parts) > 2 {
		return 0, 0, false
	}
	p, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	s := 0
	if len(parts) == 2 {
		if s, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
			return 0, 0, false
		}
	}
	if p <= 0 || s < 0 || s > p {
		return 0, 0, false
	}
	return p, s, true
}

// InferFromValues picks a type for driver values of one column: the Go type
// of the first non-nil value decides, text falls back to InferType.
func InferFromValues(values []any) Type {
	var texts []string
	for _, v := range values {
		switch x := v.(type) {
		case nil:
			continue
		case int64, int, int32, int16, int8, uint8, uint16, uint32:
			return BigInt
		case float64, float32:
			return Double
		case bool:
			return Boolean
		case time.Time:
			return Timestamp
		case []byte:
			texts = append(texts, string(x))
		case string:
			texts = append(texts, x)
		default:
			return Varchar
		}
	}
	return InferType(texts)
}
