package zds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Document is a decoded JSON object. Keys are field names; values are any
// of nil, bool, string, [json.Number], map[string]any, or []any.
type Document = map[string]any

// DecodeDocument parses a single JSON object from data, using
// [json.Decoder.UseNumber] so that integer-vs-floating-point shape can be
// recovered during schema extraction.
func DecodeDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// Canonicalize serializes v deterministically: object keys are sorted
// lexicographically at every nesting level, arrays preserve their original
// order, and numbers are rendered exactly as encountered (via
// [json.Number]) rather than round-tripped through float64. Two documents
// that are structurally and value-identical produce byte-identical output
// regardless of the original key order or map iteration order.
func Canonicalize(v any) []byte {
	var buf bytes.Buffer
	canonicalizeInto(&buf, v)
	return buf.Bytes()
}

func canonicalizeInto(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case float64:
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case string:
		encoded, _ := json.Marshal(val)
		buf.Write(encoded)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, _ := json.Marshal(k)
			buf.Write(encodedKey)
			buf.WriteByte(':')
			canonicalizeInto(buf, val[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			canonicalizeInto(buf, elem)
		}
		buf.WriteByte(']')
	default:
		// Unreachable for documents decoded via [DecodeDocument], which
		// only ever produces the types handled above.
		encoded, _ := json.Marshal(val)
		buf.Write(encoded)
	}
}

// ExtractFields flattens doc according to dotted field paths, keyed by each
// path's leaf segment name rather than the full path. A path with no
// matching value (missing intermediate object, or the path descends into
// a non-object) is silently dropped rather than erroring. If two paths
// share the same leaf segment name, the later one in fields wins.
//
// This mirrors projection semantics meant for flat, denormalized result
// rows rather than general JSONPath-style querying: "user.name" and
// "owner.name" both populate a result key named "name", with whichever
// path is listed last taking precedence.
func ExtractFields(doc Document, fields []string) map[string]any {
	result := make(map[string]any, len(fields))

	for _, path := range fields {
		segments := strings.Split(path, ".")
		if len(segments) == 0 {
			continue
		}

		val, ok := lookupPath(doc, segments)
		if !ok {
			continue
		}

		leaf := segments[len(segments)-1]
		result[leaf] = val
	}

	return result
}

func lookupPath(doc Document, segments []string) (any, bool) {
	var cur any = map[string]any(doc)

	for _, seg := range segments {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		val, present := obj[seg]
		if !present {
			return nil, false
		}
		cur = val
	}

	return cur, true
}

// PredicateOp is the operator of a [Predicate] node.
type PredicateOp int

const (
	// OpEq matches when the field at Path equals Value, compared via
	// [Canonicalize]: object key order does not matter, but numbers compare
	// by their literal text (1 and 1.0 differ) and a string never equals a
	// number.
	OpEq PredicateOp = iota

	// OpExists matches when Path resolves to any value, including an
	// explicit JSON null.
	OpExists

	// OpNotExists matches when Path does not resolve to any value.
	OpNotExists

	// OpAnd matches when every child predicate matches. An empty And
	// matches everything (vacuous truth).
	OpAnd

	// OpOr matches when at least one child predicate matches. An empty Or
	// matches nothing.
	OpOr
)

// Predicate is a node in a side-effect-free filter expression tree,
// evaluated against a single document by [ApplyPredicate].
type Predicate struct {
	Op       PredicateOp
	Path     string      // used by OpEq, OpExists, OpNotExists
	Value    any         // used by OpEq
	Children []Predicate // used by OpAnd, OpOr
}

// ApplyPredicate evaluates p against doc. Boolean combinators short-circuit:
// And stops at the first non-matching child, Or stops at the first
// matching one, and neither evaluates children beyond that point.
func ApplyPredicate(p Predicate, doc Document) bool {
	switch p.Op {
	case OpEq:
		segments := strings.Split(p.Path, ".")
		val, ok := lookupPath(doc, segments)
		if !ok {
			return false
		}
		return bytes.Equal(Canonicalize(val), Canonicalize(p.Value))

	case OpExists:
		segments := strings.Split(p.Path, ".")
		_, ok := lookupPath(doc, segments)
		return ok

	case OpNotExists:
		segments := strings.Split(p.Path, ".")
		_, ok := lookupPath(doc, segments)
		return !ok

	case OpAnd:
		for _, child := range p.Children {
			if !ApplyPredicate(child, doc) {
				return false
			}
		}
		return true

	case OpOr:
		for _, child := range p.Children {
			if ApplyPredicate(child, doc) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// fitsInt64 reports whether n's literal representation parses as a signed
// 64-bit integer (no decimal point or exponent), used by schema extraction
// to distinguish an "integer" shape from a general "number" shape.
func fitsInt64(n json.Number) bool {
	_, err := n.Int64()
	return err == nil
}
