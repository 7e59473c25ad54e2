package model

import (
	"sort"
	"strings"
)

// OpKind identifies a single transform primitive.
type OpKind string

const (
	OpResize     OpKind = "resize"
	OpCrop       OpKind = "crop"
	OpGravity    OpKind = "gravity"
	OpRotate     OpKind = "rotate"
	OpBackground OpKind = "background"
	OpQuality    OpKind = "quality"
	OpFormat     OpKind = "format"
	OpAspect     OpKind = "aspect"
)

// canonicalOrder is the fixed application order of the pipeline. Operations
// are sorted into this order before hashing so that textual variants of the
// same directive share a cache key.
var canonicalOrder = map[OpKind]int{
	OpAspect:     0,
	OpGravity:    1,
	OpResize:     2,
	OpCrop:       3,
	OpRotate:     4,
	OpBackground: 5,
	OpQuality:    6,
	OpFormat:     7,
}

// Operation is one directive token after parsing: a kind plus its raw
// string arguments. Numeric validation happens in the consuming pipeline
// step, not here.
type Operation struct {
	Kind OpKind            `json:"kind"`
	Args map[string]string `json:"args"`
}

// canonical renders the operation as "kind(k=v,k2=v2)" with sorted arg keys.
func (op Operation) canonical() string {
	keys := make([]string, 0, len(op.Args))
	for k := range op.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(op.Kind))
	b.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(op.Args[k])
	}
	b.WriteByte(')')
	return b.String()
}

// TransformRequest is the parsed form of a CDN URL. It is built once by the
// directive parser and never mutated afterwards.
type TransformRequest struct {
	Operations []Operation `json:"operations"`
	TargetPath string      `json:"target_path"`
	// RawDirective preserves the directive segments as they appeared in the
	// URL, so a persisted job can be re-parsed by the worker.
	RawDirective string `json:"raw_directive,omitempty"`
}

// HasOperations reports whether any transform directive was recognized.
func (r TransformRequest) HasOperations() bool {
	return len(r.Operations) > 0
}

// Op returns the first operation of the given kind, if present.
func (r TransformRequest) Op(kind OpKind) (Operation, bool) {
	for _, op := range r.Operations {
		if op.Kind == kind {
			return op, true
		}
	}
	return Operation{}, false
}

// Directive renders the request into its canonical textual form: operations
// sorted into pipeline order, arguments sorted by key. Two directive strings
// that specify the same operations in different textual order render
// identically, so cache keys and job deduplication collide on intent.
func (r TransformRequest) Directive() string {
	ops := make([]Operation, len(r.Operations))
	copy(ops, r.Operations)
	sort.SliceStable(ops, func(i, j int) bool {
		return canonicalOrder[ops[i].Kind] < canonicalOrder[ops[j].Kind]
	})

	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = op.canonical()
	}
	return strings.Join(parts, "/")
}
