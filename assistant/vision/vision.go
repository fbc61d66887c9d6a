// Package vision implements the fire-and-forget image description
// pipeline: HEIC conversion, downscaling, a context-aware prompt for
// the vision CLI, and injection of the result into the owning session.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/svenhq/dispatch/assistant/metrics"
	"github.com/svenhq/dispatch/assistant/policy"
	"github.com/svenhq/dispatch/assistant/readers"
)

const (
	// Vision models reject oversized inputs; anything larger than this
	// on either axis is downscaled before the call.
	maxImageAxis = 2000

	callTimeout = 60 * time.Second

	contextBefore = 10
	contextAfter  = 1
)

// Config wires the analyzer to the vision CLI and the backend stores.
type Config struct {
	CLIPath string
	Model   string
	Paths   readers.Paths
	// MaxPerMinute caps vision calls; excess attachments are skipped.
	MaxPerMinute int
	// TempDir holds converted and downscaled copies. Defaults to the
	// system temp directory.
	TempDir string
}

// Target is the sink for a finished description.
type Target interface {
	Inject(prompt string) error
	IsAlive() bool
}

// Analyzer runs image analysis in the background. Every failure mode
// is silent: logged, counted, never surfaced to the conversation.
type Analyzer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Exporter
	limiter *rate.Limiter
}

func New(cfg Config, logger *slog.Logger, exporter *metrics.Exporter) *Analyzer {
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 6
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		cfg:     cfg,
		logger:  logger.With("component", "vision"),
		metrics: exporter,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxPerMinute)), cfg.MaxPerMinute),
	}
}

// AnalyzeAndInject runs the full pipeline for one attachment and, on
// success, injects the description into the target session. Intended
// to run on its own goroutine.
func (a *Analyzer) AnalyzeAndInject(ctx context.Context, target Target, backend, chatID string, ts time.Time, imagePath string) {
	convContext := a.conversationContext(ctx, backend, chatID, ts)

	description, err := a.Describe(ctx, imagePath, convContext)
	if err != nil {
		a.logger.Warn("image analysis failed", "path", imagePath, "error", err)
		a.count("error")
		return
	}
	if !target.IsAlive() {
		a.logger.Debug("session died before vision inject", "chat_id", chatID)
		a.count("session_dead")
		return
	}
	msg := fmt.Sprintf("\n---VISION ANALYSIS---\nThe attached image was analyzed:\n%s\n---END VISION---\n", description)
	if err := target.Inject(msg); err != nil {
		a.logger.Warn("vision inject failed", "chat_id", chatID, "error", err)
		a.count("error")
		return
	}
	a.logger.Info("injected image description", "chat_id", chatID, "chars", len(description))
	a.count("ok")
}

// Describe analyzes one image and returns its description.
func (a *Analyzer) Describe(ctx context.Context, imagePath, conversationContext string) (string, error) {
	if !policy.IsImagePath(imagePath) {
		return "", errors.Errorf("not an image: %s", imagePath)
	}
	if _, err := os.Stat(imagePath); err != nil {
		return "", errors.Wrap(err, "image not found")
	}
	if !a.limiter.Allow() {
		return "", errors.New("vision rate limit exceeded")
	}

	path, err := a.normalize(ctx, imagePath)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.cfg.CLIPath, "-m", a.cfg.Model, "-i", path, buildPrompt(conversationContext))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrap(ctx.Err(), "vision call timed out")
		}
		return "", errors.Wrapf(err, "vision cli failed: %s", truncate(stderr.String(), 200))
	}
	description := strings.TrimSpace(stdout.String())
	if description == "" {
		return "", errors.New("vision cli returned no output")
	}
	return description, nil
}

// normalize converts HEIC to JPEG and downscales oversized images,
// returning the path to feed the vision CLI.
func (a *Analyzer) normalize(ctx context.Context, imagePath string) (string, error) {
	path := imagePath
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".heic" || ext == ".heif" {
		converted, err := a.convertHEIC(ctx, path)
		if err != nil {
			return "", err
		}
		path = converted
	}

	w, h, err := policy.DefaultImageProbe(path)
	if err != nil {
		// Formats the probe cannot decode go through untouched; the
		// vision model gives a better error than we can.
		return path, nil
	}
	if w <= maxImageAxis && h <= maxImageAxis {
		return path, nil
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", errors.Wrap(err, "open image for downscale")
	}
	fitted := imaging.Fit(img, maxImageAxis, maxImageAxis, imaging.Lanczos)
	out := filepath.Join(a.cfg.TempDir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+"_scaled.jpg")
	if err := imaging.Save(fitted, out, imaging.JPEGQuality(90)); err != nil {
		return "", errors.Wrap(err, "save downscaled image")
	}
	a.logger.Debug("downscaled image", "from", fmt.Sprintf("%dx%d", w, h), "path", out)
	return out, nil
}

// convertHEIC shells out to sips, the only tool guaranteed present on
// the host for HEIC decoding.
func (a *Analyzer) convertHEIC(ctx context.Context, path string) (string, error) {
	out := filepath.Join(a.cfg.TempDir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+"_converted.jpg")
	cmd := exec.CommandContext(ctx, "sips", "-s", "format", "jpeg", path, "--out", out)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return "", errors.Wrap(err, "heic conversion failed")
	}
	if _, err := os.Stat(out); err != nil {
		return "", errors.New("heic conversion produced no output")
	}
	return out, nil
}

// conversationContext pulls recent messages around the attachment's
// timestamp so the model can anchor its description.
func (a *Analyzer) conversationContext(ctx context.Context, backend, chatID string, ts time.Time) string {
	reader := readers.ForBackend(backend, a.cfg.Paths)
	if reader == nil || chatID == "" || ts.IsZero() {
		return ""
	}
	msgs, err := reader.ContextAround(ctx, chatID, ts, contextBefore, contextAfter)
	if err != nil {
		a.logger.Debug("context read failed", "backend", backend, "error", err)
		return ""
	}
	return readers.FormatContext(msgs)
}

// buildPrompt shapes the ask around whatever context we have: a whole
// conversation window, a single caption, or nothing.
func buildPrompt(conversationContext string) string {
	trimmed := strings.TrimSpace(conversationContext)
	switch {
	case trimmed == "" || trimmed == "(no text)":
		return "Briefly describe what you see in this image. Be concise but capture key details - who/what is shown, the setting, and any notable elements. 2-3 sentences max."
	case strings.Contains(trimmed, "\n"):
		return fmt.Sprintf("Recent conversation context:\n%s\n\nNow an image was shared. Briefly describe what you see in this image, considering the conversation context above. Be concise but capture key details. 2-3 sentences max.", trimmed)
	default:
		return fmt.Sprintf("The sender shared this image with the message: %q\n\nBriefly describe what you see in this image, keeping the sender's context in mind. Be concise but capture key details. 2-3 sentences max.", trimmed)
	}
}

func (a *Analyzer) count(status string) {
	if a.metrics != nil {
		a.metrics.VisionCall(status)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
