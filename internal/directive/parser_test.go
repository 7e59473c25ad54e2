package directive

import (
	"reflect"
	"strings"
	"testing"

	"github.com/proximet/mediacdn/internal/model"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantOps  map[model.OpKind]map[string]string
		wantPath string
	}{
		{
			name: "canonical tokens",
			path: "w:400/h:300/q:80/photo.png",
			wantOps: map[model.OpKind]map[string]string{
				model.OpResize:  {"width": "400", "height": "300"},
				model.OpQuality: {"value": "80"},
			},
			wantPath: "photo.png",
		},
		{
			name: "comma grouped with underscore alias",
			path: "w_400,h_300/photo.png",
			wantOps: map[model.OpKind]map[string]string{
				model.OpResize: {"width": "400", "height": "300"},
			},
			wantPath: "photo.png",
		},
		{
			name: "full directive set",
			path: "w:200/h:100/c:pad/g:north/r:90/b:ff0000/q:high/f:jpeg/ar:16:9/images/cat.png",
			wantOps: map[model.OpKind]map[string]string{
				model.OpResize:     {"width": "200", "height": "100", "mode": "pad"},
				model.OpGravity:    {"value": "north"},
				model.OpRotate:     {"value": "90"},
				model.OpBackground: {"value": "ff0000"},
				model.OpQuality:    {"value": "high"},
				model.OpFormat:     {"value": "jpeg"},
				model.OpAspect:     {"value": "16:9"},
			},
			wantPath: "images/cat.png",
		},
		{
			name: "unknown keys are skipped",
			path: "w:100,bogus:1/photo.png",
			wantOps: map[model.OpKind]map[string]string{
				model.OpResize: {"width": "100"},
			},
			wantPath: "photo.png",
		},
		{
			name:     "no directives",
			path:     "images/photo.png",
			wantOps:  map[model.OpKind]map[string]string{},
			wantPath: "images/photo.png",
		},
		{
			name:     "underscored filename is not a directive",
			path:     "my_holiday_photo.png",
			wantOps:  map[model.OpKind]map[string]string{},
			wantPath: "my_holiday_photo.png",
		},
		{
			name: "explicit crop box",
			path: "crop:400x300/photo.png",
			wantOps: map[model.OpKind]map[string]string{
				model.OpCrop: {"box": "400x300"},
			},
			wantPath: "photo.png",
		},
		{
			name: "directive after path stays in path",
			path: "w:100/images/w:200/photo.png",
			wantOps: map[model.OpKind]map[string]string{
				model.OpResize: {"width": "100"},
			},
			wantPath: "images/w:200/photo.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Parse(strings.Split(tt.path, "/"))

			if req.TargetPath != tt.wantPath {
				t.Errorf("TargetPath = %q, want %q", req.TargetPath, tt.wantPath)
			}
			if len(req.Operations) != len(tt.wantOps) {
				t.Fatalf("got %d operations, want %d: %+v", len(req.Operations), len(tt.wantOps), req.Operations)
			}
			for _, op := range req.Operations {
				want, ok := tt.wantOps[op.Kind]
				if !ok {
					t.Errorf("unexpected operation %s", op.Kind)
					continue
				}
				if !reflect.DeepEqual(op.Args, want) {
					t.Errorf("%s args = %v, want %v", op.Kind, op.Args, want)
				}
			}
		})
	}
}

func TestParseIsPure(t *testing.T) {
	segments := strings.Split("w:400/h:300/q:80/photo.png", "/")

	first := Parse(segments)
	second := Parse(segments)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("two parses of the same input differ: %+v vs %+v", first, second)
	}
}

func TestParseRawDirective(t *testing.T) {
	req := Parse(strings.Split("w:400/h:300/images/clip.mp4", "/"))

	if req.RawDirective != "w:400/h:300" {
		t.Errorf("RawDirective = %q, want %q", req.RawDirective, "w:400/h:300")
	}

	// Re-parsing raw directive + target path must reproduce the request.
	again := Parse(strings.Split(req.RawDirective+"/"+req.TargetPath, "/"))
	if !reflect.DeepEqual(again, req) {
		t.Errorf("re-parse mismatch: %+v vs %+v", again, req)
	}
}

func TestDirectiveCanonicalization(t *testing.T) {
	a := Parse(strings.Split("w:400/h:300/q:80/photo.png", "/"))
	b := Parse(strings.Split("q:80/h:300/w:400/photo.png", "/"))

	if a.Directive() != b.Directive() {
		t.Errorf("token order changed canonical directive: %q vs %q", a.Directive(), b.Directive())
	}
}
