// Package directive turns CDN URL path segments into a typed transform
// request. Parsing is permissive: unrecognized tokens degrade to "no
// transform" instead of erroring, so asset URLs stay resilient to typos.
package directive

import (
	"strings"

	"github.com/proximet/mediacdn/internal/model"
)

// The canonical token form is "key:value". "key_value" is accepted as a
// compatibility alias for the comma-grouped syntax used by older clients
// ("w_400,h_300"). Both feed the same registry.
const (
	delimCanonical = ":"
	delimAlias     = "_"
)

// registry maps a directive key to the operation it contributes to and the
// argument name it sets. Keys absent from the registry are skipped.
var registry = map[string]struct {
	kind model.OpKind
	arg  string
}{
	"w":          {model.OpResize, "width"},
	"width":      {model.OpResize, "width"},
	"h":          {model.OpResize, "height"},
	"height":     {model.OpResize, "height"},
	"c":          {model.OpResize, "mode"},
	"crop":       {model.OpCrop, "box"},
	"g":          {model.OpGravity, "value"},
	"gravity":    {model.OpGravity, "value"},
	"r":          {model.OpRotate, "value"},
	"rotate":     {model.OpRotate, "value"},
	"b":          {model.OpBackground, "value"},
	"bg":         {model.OpBackground, "value"},
	"background": {model.OpBackground, "value"},
	"q":          {model.OpQuality, "value"},
	"quality":    {model.OpQuality, "value"},
	"f":          {model.OpFormat, "value"},
	"format":     {model.OpFormat, "value"},
	"ar":         {model.OpAspect, "value"},
	"aspect":     {model.OpAspect, "value"},
}

// Parse consumes leading directive segments and joins the remainder into the
// target path. A segment counts as a directive segment only if at least one
// of its comma-separated tokens resolves through the registry; the first
// segment that does not starts the target path. Parse is a pure function.
func Parse(segments []string) model.TransformRequest {
	b := newBuilder()

	i := 0
	for ; i < len(segments); i++ {
		if !b.consumeSegment(segments[i]) {
			break
		}
	}

	return model.TransformRequest{
		Operations:   b.operations(),
		TargetPath:   strings.Join(segments[i:], "/"),
		RawDirective: strings.Join(segments[:i], "/"),
	}
}

// builder accumulates tokens into operations, merging tokens that address
// the same operation kind (w, h and c all contribute to one resize op)
// while preserving first-seen order.
type builder struct {
	ops   map[model.OpKind]map[string]string
	order []model.OpKind
}

func newBuilder() *builder {
	return &builder{ops: make(map[model.OpKind]map[string]string)}
}

// consumeSegment parses one path segment and reports whether it contained
// any recognized directive token.
func (b *builder) consumeSegment(segment string) bool {
	recognized := false
	for _, token := range strings.Split(segment, ",") {
		if b.consumeToken(token) {
			recognized = true
		}
	}
	return recognized
}

func (b *builder) consumeToken(token string) bool {
	key, value, ok := splitToken(token)
	if !ok {
		return false
	}

	entry, ok := registry[strings.ToLower(key)]
	if !ok || value == "" {
		return false
	}

	args, ok := b.ops[entry.kind]
	if !ok {
		args = make(map[string]string)
		b.ops[entry.kind] = args
		b.order = append(b.order, entry.kind)
	}
	args[entry.arg] = value
	return true
}

func (b *builder) operations() []model.Operation {
	if len(b.order) == 0 {
		return nil
	}
	ops := make([]model.Operation, 0, len(b.order))
	for _, kind := range b.order {
		ops = append(ops, model.Operation{Kind: kind, Args: b.ops[kind]})
	}
	return ops
}

// splitToken splits "key:value", falling back to the "key_value" alias.
// Only the first delimiter occurrence splits, so values may carry
// underscores ("f:image_png" is not a concern, but paths are).
func splitToken(token string) (key, value string, ok bool) {
	if k, v, found := strings.Cut(token, delimCanonical); found {
		return k, v, true
	}
	if k, v, found := strings.Cut(token, delimAlias); found {
		return k, v, true
	}
	return "", "", false
}
