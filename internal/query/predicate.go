// Package query implements the typed predicate AST from spec §4.12 and
// §9 design notes: a small expression tree over JSON paths, translated
// in-memory here (the SQL-dialect translation for a concrete driver is
// explicitly out of scope per spec §1 — PeerStore.QueryDocuments only
// needs *a* translator to be exercisable, and this is it).
package query

import (
	"strconv"
	"strings"
)

// Op is one predicate operator.
type Op int

const (
	Eq Op = iota
	Ne
	Gt
	Ge
	Lt
	Le
	And
	Or
	Contains
)

// Predicate is a node in the expression tree: either a leaf comparison
// (Path + Value) or a boolean combinator over Children.
type Predicate struct {
	Op       Op
	Path     string // dotted JSON path, e.g. "address.city"
	Value    any
	Children []Predicate
}

// EqP builds an equality leaf predicate.
func EqP(path string, value any) Predicate { return Predicate{Op: Eq, Path: path, Value: value} }

// NeP builds an inequality leaf predicate.
func NeP(path string, value any) Predicate { return Predicate{Op: Ne, Path: path, Value: value} }

// GtP builds a greater-than leaf predicate.
func GtP(path string, value any) Predicate { return Predicate{Op: Gt, Path: path, Value: value} }

// GeP builds a greater-or-equal leaf predicate.
func GeP(path string, value any) Predicate { return Predicate{Op: Ge, Path: path, Value: value} }

// LtP builds a less-than leaf predicate.
func LtP(path string, value any) Predicate { return Predicate{Op: Lt, Path: path, Value: value} }

// LeP builds a less-or-equal leaf predicate.
func LeP(path string, value any) Predicate { return Predicate{Op: Le, Path: path, Value: value} }

// ContainsP builds a substring/element-containment leaf predicate.
func ContainsP(path string, value any) Predicate {
	return Predicate{Op: Contains, Path: path, Value: value}
}

// AndP combines predicates with logical AND.
func AndP(children ...Predicate) Predicate { return Predicate{Op: And, Children: children} }

// OrP combines predicates with logical OR.
func OrP(children ...Predicate) Predicate { return Predicate{Op: Or, Children: children} }

// Match evaluates the predicate tree against a JSON-like document
// represented as map[string]any (the in-memory translation).
func Match(p Predicate, doc map[string]any) bool {
	switch p.Op {
	case And:
		for _, c := range p.Children {
			if !Match(c, doc) {
				return false
			}
		}
		return true
	case Or:
		if len(p.Children) == 0 {
			return false
		}
		for _, c := range p.Children {
			if Match(c, doc) {
				return true
			}
		}
		return false
	default:
		return matchLeaf(p, doc)
	}
}

func matchLeaf(p Predicate, doc map[string]any) bool {
	actual, ok := resolvePath(doc, p.Path)
	switch p.Op {
	case Eq:
		return ok && equalJSON(actual, p.Value)
	case Ne:
		return !ok || !equalJSON(actual, p.Value)
	case Gt, Ge, Lt, Le:
		if !ok {
			return false
		}
		af, aok := toFloat(actual)
		bf, bok := toFloat(p.Value)
		if !aok || !bok {
			return false
		}
		switch p.Op {
		case Gt:
			return af > bf
		case Ge:
			return af >= bf
		case Lt:
			return af < bf
		default:
			return af <= bf
		}
	case Contains:
		if !ok {
			return false
		}
		return containsValue(actual, p.Value)
	default:
		return false
	}
}

// resolvePath walks a dotted path through nested maps.
func resolvePath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func equalJSON(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, e := range h {
			if equalJSON(e, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
