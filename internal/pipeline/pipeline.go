// Package pipeline applies still-image transforms in a fixed order so that
// output is deterministic regardless of how directive tokens were listed.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/proximet/mediacdn/internal/model"
)

var (
	// ErrUnsupportedFormat is returned when the source bytes cannot be decoded.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrInvalidParameter is returned when a numeric argument is out of range.
	ErrInvalidParameter = errors.New("invalid transform parameter")
)

// maxDimension caps requested output sizes.
const maxDimension = 8192

const defaultQuality = 85

// Pipeline transforms decoded images. It holds no state and never touches
// the cache or storage tier; callers own persistence of the result.
type Pipeline struct{}

// New creates a Pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Apply decodes src, applies the request's operations in pipeline order
// (aspect, crop, resize, rotate, encode) and returns the encoded result.
// Identical input bytes and an identical request always produce
// byte-identical output.
func (p *Pipeline) Apply(src []byte, req model.TransformRequest) ([]byte, error) {
	img, srcFormat, err := decode(src, req)
	if err != nil {
		return nil, err
	}

	bg, err := backgroundColor(req)
	if err != nil {
		return nil, err
	}
	anchor := resolveGravity(req)

	if op, ok := req.Op(model.OpAspect); ok {
		img, err = applyAspect(img, op.Args["value"], anchor)
		if err != nil {
			return nil, err
		}
	}

	if op, ok := req.Op(model.OpCrop); ok {
		img, err = applyCrop(img, op.Args["box"], anchor)
		if err != nil {
			return nil, err
		}
	}

	if op, ok := req.Op(model.OpResize); ok {
		img, err = applyResize(img, op.Args, anchor, bg)
		if err != nil {
			return nil, err
		}
	}

	if op, ok := req.Op(model.OpRotate); ok {
		img, err = applyRotate(img, op.Args["value"], bg)
		if err != nil {
			return nil, err
		}
	}

	return encode(img, srcFormat, req)
}

// decode sniffs the source format and decodes the pixel data. When the
// rotate directive is "auto", embedded orientation metadata is applied
// during decode and thereby cleared from the output.
func decode(src []byte, req model.TransformRequest) (image.Image, imaging.Format, error) {
	_, name, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	format, err := imaging.FormatFromExtension(name)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}

	var opts []imaging.DecodeOption
	if op, ok := req.Op(model.OpRotate); ok && op.Args["value"] == "auto" {
		opts = append(opts, imaging.AutoOrientation(true))
	}

	img, err := imaging.Decode(bytes.NewReader(src), opts...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	return img, format, nil
}

// resolveGravity maps the symbolic gravity to a concrete anchor. The
// content-aware modes ("face", "auto") require saliency analysis this
// decoder stack does not provide, so they fall back to center.
func resolveGravity(req model.TransformRequest) imaging.Anchor {
	op, ok := req.Op(model.OpGravity)
	if !ok {
		return imaging.Center
	}

	switch strings.ToLower(op.Args["value"]) {
	case "north", "top":
		return imaging.Top
	case "south", "bottom":
		return imaging.Bottom
	case "east", "right":
		return imaging.Right
	case "west", "left":
		return imaging.Left
	case "northwest":
		return imaging.TopLeft
	case "northeast":
		return imaging.TopRight
	case "southwest":
		return imaging.BottomLeft
	case "southeast":
		return imaging.BottomRight
	default:
		// center, face, auto and anything unrecognized
		return imaging.Center
	}
}

// applyAspect crops the largest region matching the requested ratio,
// anchored by gravity, before any resize happens.
func applyAspect(img image.Image, value string, anchor imaging.Anchor) (image.Image, error) {
	rw, rh, err := parseRatio(value)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	ratio := rw / rh
	cropW, cropH := srcW, srcH
	if float64(srcW)/float64(srcH) > ratio {
		cropW = int(float64(srcH) * ratio)
	} else {
		cropH = int(float64(srcW) / ratio)
	}

	return imaging.CropAnchor(img, cropW, cropH, anchor), nil
}

func applyCrop(img image.Image, box string, anchor imaging.Anchor) (image.Image, error) {
	w, h, err := parseBox(box)
	if err != nil {
		return nil, err
	}
	return imaging.CropAnchor(img, w, h, anchor), nil
}

// applyResize dispatches on the crop mode. Box math per mode:
// fill scales by max(tw/sw, th/sh) then crops; fit and pad scale by
// min(...); scale stretches both axes independently; crop takes the
// region without scaling.
func applyResize(img image.Image, args map[string]string, anchor imaging.Anchor, bg color.Color) (image.Image, error) {
	w, err := dimension(args["width"])
	if err != nil {
		return nil, err
	}
	h, err := dimension(args["height"])
	if err != nil {
		return nil, err
	}
	if w == 0 && h == 0 {
		return nil, fmt.Errorf("%w: resize requires width or height", ErrInvalidParameter)
	}

	// A single dimension always scales proportionally.
	if w == 0 || h == 0 {
		return imaging.Resize(img, w, h, imaging.Lanczos), nil
	}

	mode := args["mode"]
	if mode == "" {
		mode = "fill"
	}

	switch mode {
	case "fill":
		return imaging.Fill(img, w, h, anchor, imaging.Lanczos), nil
	case "fit":
		return imaging.Fit(img, w, h, imaging.Lanczos), nil
	case "scale":
		return imaging.Resize(img, w, h, imaging.Lanczos), nil
	case "crop":
		return imaging.CropAnchor(img, w, h, anchor), nil
	case "pad":
		return pad(img, w, h, bg), nil
	default:
		return nil, fmt.Errorf("%w: unknown resize mode %q", ErrInvalidParameter, mode)
	}
}

// pad fits the image inside the box and composes it centered onto a canvas
// filled with the background color.
func pad(img image.Image, w, h int, bg color.Color) image.Image {
	fitted := imaging.Fit(img, w, h, imaging.Lanczos)

	dc := gg.NewContext(w, h)
	dc.SetColor(bg)
	dc.Clear()
	dc.DrawImageAnchored(fitted, w/2, h/2, 0.5, 0.5)

	return dc.Image()
}

// applyRotate rotates by a literal angle, filling exposed corners with the
// background color. "auto" was already handled at decode time.
func applyRotate(img image.Image, value string, bg color.Color) (image.Image, error) {
	if value == "auto" {
		return img, nil
	}

	angle, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: rotate angle %q", ErrInvalidParameter, value)
	}
	if angle < -360 || angle > 360 {
		return nil, fmt.Errorf("%w: rotate angle %v out of range", ErrInvalidParameter, angle)
	}

	switch angle {
	case 0:
		return img, nil
	case 90, -270:
		return imaging.Rotate90(img), nil
	case 180, -180:
		return imaging.Rotate180(img), nil
	case 270, -90:
		return imaging.Rotate270(img), nil
	default:
		return imaging.Rotate(img, angle, bg), nil
	}
}

// encode performs the final format conversion and quality mapping.
func encode(img image.Image, srcFormat imaging.Format, req model.TransformRequest) ([]byte, error) {
	format := srcFormat
	if op, ok := req.Op(model.OpFormat); ok {
		f, err := imaging.FormatFromExtension(op.Args["value"])
		if err != nil {
			return nil, fmt.Errorf("%w: target format %q", ErrInvalidParameter, op.Args["value"])
		}
		format = f
	}

	quality, err := resolveQuality(req)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return buf.Bytes(), nil
}

// resolveQuality maps the quality directive (0-100 or low/medium/high) to
// the encoder's native control.
func resolveQuality(req model.TransformRequest) (int, error) {
	op, ok := req.Op(model.OpQuality)
	if !ok {
		return defaultQuality, nil
	}

	switch v := strings.ToLower(op.Args["value"]); v {
	case "low":
		return 40, nil
	case "medium":
		return 75, nil
	case "high":
		return 90, nil
	default:
		q, err := strconv.Atoi(v)
		if err != nil || q < 0 || q > 100 {
			return 0, fmt.Errorf("%w: quality %q", ErrInvalidParameter, v)
		}
		return q, nil
	}
}

// MediaType returns the response content type for the request's output
// format, falling back to the source path extension.
func MediaType(req model.TransformRequest) string {
	ext := strings.TrimPrefix(strings.ToLower(pathExt(req.TargetPath)), ".")
	if op, ok := req.Op(model.OpFormat); ok {
		ext = strings.ToLower(op.Args["value"])
	}

	switch ext {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "tif", "tiff":
		return "image/tiff"
	case "mp4":
		return "video/mp4"
	case "webm":
		return "video/webm"
	case "mov":
		return "video/quicktime"
	default:
		return "application/octet-stream"
	}
}

func pathExt(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i:]
	}
	return ""
}

func dimension(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > maxDimension {
		return 0, fmt.Errorf("%w: dimension %q", ErrInvalidParameter, s)
	}
	return n, nil
}

// parseRatio accepts "16:9" or "16x9".
func parseRatio(s string) (w, h float64, err error) {
	sep := ":"
	if !strings.Contains(s, sep) {
		sep = "x"
	}
	parts := strings.SplitN(s, sep, 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: aspect ratio %q", ErrInvalidParameter, s)
	}
	w, err = strconv.ParseFloat(parts[0], 64)
	if err == nil {
		h, err = strconv.ParseFloat(parts[1], 64)
	}
	if err != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("%w: aspect ratio %q", ErrInvalidParameter, s)
	}
	return w, h, nil
}

// parseBox accepts "WxH".
func parseBox(s string) (w, h int, err error) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: crop box %q", ErrInvalidParameter, s)
	}
	w, err = dimension(parts[0])
	if err != nil {
		return 0, 0, err
	}
	h, err = dimension(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if w == 0 || h == 0 {
		return 0, 0, fmt.Errorf("%w: crop box %q", ErrInvalidParameter, s)
	}
	return w, h, nil
}

// backgroundColor parses the background directive ("#rrggbb", "rrggbb" or a
// small set of names). White is the default fill.
func backgroundColor(req model.TransformRequest) (color.Color, error) {
	op, ok := req.Op(model.OpBackground)
	if !ok {
		return color.White, nil
	}

	v := strings.ToLower(strings.TrimPrefix(op.Args["value"], "#"))
	switch v {
	case "white":
		return color.White, nil
	case "black":
		return color.Black, nil
	case "transparent":
		return color.Transparent, nil
	}

	if len(v) == 3 {
		v = string([]byte{v[0], v[0], v[1], v[1], v[2], v[2]})
	}
	if len(v) != 6 {
		return nil, fmt.Errorf("%w: background %q", ErrInvalidParameter, op.Args["value"])
	}

	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: background %q", ErrInvalidParameter, op.Args["value"])
	}

	return color.NRGBA{
		R: uint8(n >> 16),
		G: uint8(n >> 8),
		B: uint8(n),
		A: 0xff,
	}, nil
}
