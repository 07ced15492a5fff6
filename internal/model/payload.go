package model

import (
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"sort"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// Value is a loosely typed request payload node (query, form or JSON body).
type Value struct {
	Kind   Kind
	Str    string // KindString, and the literal text of KindNumber
	Bool   bool
	List   []Value
	Fields map[string]Value
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }

func Map(fields map[string]Value) Value { return Value{Kind: KindMap, Fields: fields} }

func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

// Visitor receives every scalar string leaf. path is the dotted location; returning false stops the walk.
type Visitor func(path string, s string) bool

// WalkStrings visits string leaves (and map keys) depth-first in deterministic key order.
// Nodes deeper than maxDepth are skipped. It reports whether the depth bound was hit.
func (v Value) WalkStrings(maxDepth int, visit Visitor) (truncated bool) {
	var walk func(node Value, path string, depth int) bool
	walk = func(node Value, path string, depth int) bool {
		if depth > maxDepth {
			truncated = true
			return true
		}
		switch node.Kind {
		case KindString:
			return visit(path, node.Str)
		case KindList:
			for _, item := range node.List {
				if !walk(item, path+"[]", depth+1) {
					return false
				}
			}
		case KindMap:
			keys := make([]string, 0, len(node.Fields))
			for k := range node.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				child := joinPath(path, k)
				if !visit(child+"#key", k) {
					return false
				}
				if !walk(node.Fields[k], child, depth+1) {
					return false
				}
			}
		}
		return true
	}
	walk(v, "", 0)
	return truncated
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// FromValues converts url.Values (query string or urlencoded form) into a map of lists.
func FromValues(vals url.Values) Value {
	fields := make(map[string]Value, len(vals))
	for k, vs := range vals {
		items := make([]Value, 0, len(vs))
		for _, s := range vs {
			items = append(items, String(s))
		}
		if len(items) == 1 {
			fields[k] = items[0]
		} else {
			fields[k] = List(items...)
		}
	}
	return Map(fields)
}

var errTooDeep = errors.New("payload nesting exceeds limit")

// DecodeJSON parses a JSON document into a Value without going through interface{} reflection.
// Nesting deeper than maxDepth is rejected so a hostile body cannot exhaust the stack.
func DecodeJSON(r io.Reader, maxDepth int) (Value, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	v, err := decodeToken(dec, 0, maxDepth)
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

func decodeToken(dec *json.Decoder, depth, maxDepth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, errTooDeep
	}
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			fields := make(map[string]Value)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, _ := keyTok.(string)
				child, err := decodeToken(dec, depth+1, maxDepth)
				if err != nil {
					return Value{}, err
				}
				fields[key] = child
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Map(fields), nil
		case '[':
			var items []Value
			for dec.More() {
				child, err := decodeToken(dec, depth+1, maxDepth)
				if err != nil {
					return Value{}, err
				}
				items = append(items, child)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return List(items...), nil
		}
	case string:
		return String(t), nil
	case json.Number:
		return Value{Kind: KindNumber, Str: t.String()}, nil
	case bool:
		return Value{Kind: KindBool, Bool: t}, nil
	case nil:
		return Value{Kind: KindNull}, nil
	}
	return Value{}, errors.New("unexpected json token")
}

// IsTooDeep reports whether err came from the nesting bound of DecodeJSON.
func IsTooDeep(err error) bool {
	return errors.Is(err, errTooDeep)
}

// Flatten returns "path=value" lines for debugging and CLI output.
func (v Value) Flatten(maxDepth int) string {
	var b strings.Builder
	v.WalkStrings(maxDepth, func(path, s string) bool {
		if strings.HasSuffix(path, "#key") {
			return true
		}
		b.WriteString(path)
		b.WriteByte('=')
		b.WriteString(s)
		b.WriteByte('\n')
		return true
	})
	return b.String()
}
