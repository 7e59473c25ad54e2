// Package transcoder runs video transforms through an external ffmpeg
// invocation, reporting progress as the encode advances.
package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/model"
)

// ProgressFunc receives transcode progress in percent (0-100).
type ProgressFunc func(progress int)

// Transcoder shells out to ffmpeg/ffprobe. The invocation is synchronous;
// cancellation happens through the context, which kills the process.
type Transcoder struct {
	ffmpegPath  string
	ffprobePath string
}

// New creates a Transcoder using the given binary paths. Empty paths fall
// back to lookup on $PATH.
func New(ffmpegPath, ffprobePath string) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Transcoder{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// Transcode applies the request's operations to the source video and
// returns the transcoded bytes. Source and output go through temp files
// because most containers require seekable I/O.
func (t *Transcoder) Transcode(ctx context.Context, src []byte, req model.TransformRequest, progress ProgressFunc) ([]byte, error) {
	dir, err := os.MkdirTemp("", "transcode-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "in"+sourceExt(req.TargetPath))
	outPath := filepath.Join(dir, "out."+outputContainer(req))

	if err := os.WriteFile(inPath, src, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write source: %w", err)
	}

	durationUS := t.probeDuration(ctx, inPath)

	args := buildArgs(inPath, outPath, req)
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open progress pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	readProgress(stdout, durationUS, progress)

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, tail(stderr.String()))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcoded output: %w", err)
	}

	return data, nil
}

// probeDuration returns the source duration in microseconds, or 0 when
// ffprobe cannot tell (progress then stays coarse until completion).
func (t *Transcoder) probeDuration(ctx context.Context, path string) int64 {
	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("ffprobe duration probe failed")
		return 0
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return int64(seconds * 1e6)
}

// buildArgs translates transform operations into ffmpeg arguments.
func buildArgs(inPath, outPath string, req model.TransformRequest) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inPath,
		"-progress", "pipe:1",
	}

	if filter := videoFilter(req); filter != "" {
		args = append(args, "-vf", filter)
	}

	if op, ok := req.Op(model.OpQuality); ok {
		args = append(args, "-crf", strconv.Itoa(crf(op.Args["value"])))
	}

	return append(args, outPath)
}

// videoFilter composes the -vf chain: scale per the resize mode, then crop
// for fill, then transpose for right-angle rotation.
func videoFilter(req model.TransformRequest) string {
	var filters []string

	if op, ok := req.Op(model.OpResize); ok {
		w, h := op.Args["width"], op.Args["height"]
		switch {
		case w != "" && h == "":
			filters = append(filters, fmt.Sprintf("scale=%s:-2", w))
		case w == "" && h != "":
			filters = append(filters, fmt.Sprintf("scale=-2:%s", h))
		case w != "" && h != "":
			switch op.Args["mode"] {
			case "fit":
				filters = append(filters, fmt.Sprintf("scale=%s:%s:force_original_aspect_ratio=decrease", w, h))
			case "scale":
				filters = append(filters, fmt.Sprintf("scale=%s:%s", w, h))
			default: // fill
				filters = append(filters,
					fmt.Sprintf("scale=%s:%s:force_original_aspect_ratio=increase", w, h),
					fmt.Sprintf("crop=%s:%s", w, h),
				)
			}
		}
	}

	if op, ok := req.Op(model.OpRotate); ok {
		switch op.Args["value"] {
		case "90":
			filters = append(filters, "transpose=1")
		case "180":
			filters = append(filters, "transpose=1,transpose=1")
		case "270", "-90":
			filters = append(filters, "transpose=2")
		}
	}

	return strings.Join(filters, ",")
}

// crf maps the 0-100 quality scale onto ffmpeg's inverted 51-0 CRF scale.
func crf(value string) int {
	q := 75
	switch strings.ToLower(value) {
	case "low":
		q = 40
	case "medium":
		q = 75
	case "high":
		q = 90
	default:
		if n, err := strconv.Atoi(value); err == nil && n >= 0 && n <= 100 {
			q = n
		}
	}
	return 51 - q*51/100
}

// readProgress consumes ffmpeg's key=value progress stream and reports
// percentages. The final 100 is reported by the queue on completion, so the
// stream caps at 99 here.
func readProgress(r io.Reader, durationUS int64, progress ProgressFunc) {
	if progress == nil {
		progress = func(int) {}
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || key != "out_time_us" || durationUS <= 0 {
			continue
		}

		outUS, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}

		pct := int(outUS * 100 / durationUS)
		if pct > 99 {
			pct = 99
		}
		if pct > 0 {
			progress(pct)
		}
	}
}

// outputContainer picks the target container from the format directive,
// defaulting to the source extension.
func outputContainer(req model.TransformRequest) string {
	if op, ok := req.Op(model.OpFormat); ok {
		switch v := strings.ToLower(op.Args["value"]); v {
		case "mp4", "webm", "mov", "mkv":
			return v
		}
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(req.TargetPath)), ".")
	if ext == "" {
		return "mp4"
	}
	return ext
}

func sourceExt(path string) string {
	if ext := filepath.Ext(path); ext != "" {
		return ext
	}
	return ".mp4"
}

// tail trims ffmpeg's stderr down to the last few lines for error messages.
func tail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 4 {
		lines = lines[len(lines)-4:]
	}
	return strings.Join(lines, " | ")
}
