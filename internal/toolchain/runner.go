package toolchain

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const maxStderrBytes = 8 * 1024

// requiredDecoders are checked in `ffmpeg -decoders` output. Missing ones
// are reported but do not fail the probe.
var requiredDecoders = []string{"h264", "hevc", "vp9", "aac", "opus"}

// Runner probes the toolchain.
type Runner interface {
	RunDoctor(ctx context.Context) (*Capabilities, error)
}

type Config struct {
	FFmpegPath    string // empty = "ffmpeg" from PATH
	FFprobePath   string // empty = "ffprobe" from PATH
	DoctorTimeout time.Duration
	Logger        *slog.Logger
}

func DefaultConfig(ffmpeg, ffprobe string, logger *slog.Logger) Config {
	return Config{
		FFmpegPath:    ffmpeg,
		FFprobePath:   ffprobe,
		DoctorTimeout: 10 * time.Second,
		Logger:        logger,
	}
}

// SubprocessRunner runs the real binaries.
type SubprocessRunner struct {
	cfg Config
}

func NewRunner(cfg Config) *SubprocessRunner {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.DoctorTimeout <= 0 {
		cfg.DoctorTimeout = 10 * time.Second
	}
	return &SubprocessRunner{cfg: cfg}
}

// RunDoctor checks both binaries. It only returns an error when ctx is done;
// missing binaries are reported in the capabilities.
func (r *SubprocessRunner) RunDoctor(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DoctorTimeout)
	defer cancel()

	caps := &Capabilities{
		FFmpeg:  r.version(ctx, r.cfg.FFmpegPath),
		FFprobe: r.version(ctx, r.cfg.FFprobePath),
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	if caps.FFmpeg.Available {
		res := r.exec(ctx, caps.FFmpeg.Path, "-hide_banner", "-decoders")
		if res.IsSuccess() {
			caps.Decoders = ParseDecoders(res.Stdout, requiredDecoders)
		}
	}

	caps.CanDecode = caps.FFmpeg.Available
	caps.CanProbe = caps.FFprobe.Available
	caps.ProbedAt = time.Now()

	r.cfg.Logger.Info("toolchain probe complete",
		"ffmpeg", caps.FFmpeg.Version,
		"ffprobe", caps.FFprobe.Version,
		"decoders", caps.Decoders,
		"ready", caps.Ready(),
	)
	return caps, nil
}

func (r *SubprocessRunner) version(ctx context.Context, binary string) Binary {
	path, err := exec.LookPath(binary)
	if err != nil {
		return Binary{Error: err.Error()}
	}

	res := r.exec(ctx, path, "-hide_banner", "-version")
	if !res.IsSuccess() {
		return Binary{Path: path, Error: fmt.Sprintf("exited %d: %s", res.ExitCode, truncate(res.StderrTail, 256))}
	}
	return Binary{Available: true, Path: path, Version: ParseVersion(res.Stdout)}
}

func (r *SubprocessRunner) exec(ctx context.Context, binary string, args ...string) RunResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxStderrBytes}

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		r.cfg.Logger.Warn("toolchain command failed",
			"binary", binary,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderr.String(), 512),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		StderrTail: stderr.String(),
		Duration:   elapsed,
	}
}

// ParseVersion extracts the version from the first line of `-version`
// output, e.g. "ffmpeg version 6.1.1-3ubuntu5 Copyright ...".
func ParseVersion(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// ParseDecoders returns the names from want that appear in `-decoders`
// output, in want's order.
func ParseDecoders(out string, want []string) []string {
	have := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// " V....D h264   H.264 / AVC ..."
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		have[fields[1]] = true
	}

	var found []string
	for _, name := range want {
		if have[name] {
			found = append(found, name)
		}
	}
	return found
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter keeps only the last limit bytes written to it.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
