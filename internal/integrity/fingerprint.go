// Package integrity fingerprints record field sets so that stored records can
// later be proven unmodified.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxExponent bounds exponent-form numbers so canonicalization cannot be made
// to expand a short literal into millions of digits.
const maxExponent = 1000

// ErrIntegrityViolation indicates a stored fingerprint no longer matches the
// record it was computed from.
var ErrIntegrityViolation = errors.New("ledger integrity violation")

// Fields is the field set of a record, keyed by field name.
type Fields map[string]any

// Fingerprint returns the hex SHA-256 digest of the canonical encoding of fields.
func Fingerprint(fields Fields) (string, error) {
	canonical, err := Canonical(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the digest of fields and compares it to fingerprint.
func Verify(fields Fields, fingerprint string) error {
	actual, err := Fingerprint(fields)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(fingerprint)) != 1 {
		return fmt.Errorf("%w: stored %s, computed %s", ErrIntegrityViolation, fingerprint, actual)
	}
	return nil
}

// Canonical serializes fields with keys sorted at every level, timestamps
// normalized to UTC and numbers written as plain decimals, so equal values
// always produce equal bytes. 1e-7, 0.0000001 and 1.0000000e-7 encode alike,
// as do 1E5 and 100000.
func Canonical(fields Fields) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, map[string]any(fields)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case Fields:
		return writeObject(buf, val)
	case map[string]any:
		return writeObject(buf, val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return writeObject(buf, m)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return writeValue(buf, items)
	case time.Time:
		return writeJSON(buf, val.UTC().Format(time.RFC3339Nano))
	case *time.Time:
		if val == nil {
			buf.WriteString("null")
			return nil
		}
		return writeValue(buf, *val)
	case json.Number:
		return writeNumber(buf, string(val))
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		return writeNumber(buf, string(b))
	case json.RawMessage:
		if len(val) == 0 {
			buf.WriteString("null")
			return nil
		}
		var decoded any
		dec := json.NewDecoder(bytes.NewReader(val))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return fmt.Errorf("canonicalize raw json: %w", err)
		}
		return writeValue(buf, decoded)
	default:
		return writeJSON(buf, val)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSON(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, m[k]); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// writeNumber writes a JSON number literal in its exact shortest decimal form:
// no exponent, no trailing fractional zeros.
func writeNumber(buf *bytes.Buffer, literal string) error {
	if i := strings.IndexAny(literal, "eE"); i >= 0 {
		exp, err := strconv.Atoi(strings.TrimPrefix(literal[i+1:], "+"))
		if err != nil || exp > maxExponent || exp < -maxExponent {
			return fmt.Errorf("number %q out of range", literal)
		}
	}
	r, ok := new(big.Rat).SetString(literal)
	if !ok {
		return fmt.Errorf("invalid number %q", literal)
	}
	if r.IsInt() {
		buf.WriteString(r.Num().String())
		return nil
	}
	s := r.FloatString(decimalPlaces(r.Denom()))
	buf.WriteString(strings.TrimRight(s, "0"))
	return nil
}

// decimalPlaces returns the fractional digits needed to write a fraction
// with denominator den exactly.
// den comes from a decimal literal, so it has no prime factors other than 2
// and 5.
func decimalPlaces(den *big.Int) int {
	d := new(big.Int).Set(den)
	rem := new(big.Int)
	count := func(p int64) int {
		n, div := 0, big.NewInt(p)
		for d.Cmp(big.NewInt(1)) > 0 {
			q, r := new(big.Int).QuoRem(d, div, rem)
			if r.Sign() != 0 {
				break
			}
			d = q
			n++
		}
		return n
	}
	twos := count(2)
	fives := count(5)
	return max(twos, fives)
}
