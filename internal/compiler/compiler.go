package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bdougie/framesearch/internal/models"
)

const checkTimeout = 10 * time.Second

// modelExts are the model formats the neural compiler accepts.
var modelExts = []string{".onnx", ".h5", ".tflite", ".pb"}

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Toolchain wraps the accelerator neural compiler and its inspector.
type Toolchain struct {
	NC      string
	Inspect string
	runner  Runner
	logger  *slog.Logger
}

// New creates a toolchain using the given binaries.
func New(nc, inspect string, runner Runner, logger *slog.Logger) *Toolchain {
	if nc == "" {
		nc = "mx_nc"
	}
	if inspect == "" {
		inspect = "dfp_inspect"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolchain{NC: nc, Inspect: inspect, runner: runner, logger: logger}
}

// Check verifies the compiler binary runs.
func (t *Toolchain) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	_, stderr, err := t.runner.Run(ctx, t.NC, "--help")
	if err != nil {
		return toolError(t.NC, err, stderr)
	}
	return nil
}

// Compile builds a .dfp for model targeting chips accelerator chips and
// returns its path.
func (t *Toolchain) Compile(ctx context.Context, modelPath string, chips int) (string, error) {
	if chips <= 0 {
		return "", fmt.Errorf("invalid chip count %d", chips)
	}
	if err := t.Check(ctx); err != nil {
		return "", err
	}

	t.logger.Info("compiling model", "model", modelPath, "chips", chips)
	stdout, stderr, err := t.runner.Run(ctx, t.NC, "-v", "-m", modelPath, "-c", strconv.Itoa(chips))
	if err != nil {
		return "", fmt.Errorf("compilation failed: %v\nSTDOUT: %s\nSTDERR: %s", err, stdout, stderr)
	}

	dfp := DFPPath(modelPath)
	t.logger.Info("compilation successful", "dfp", dfp)
	return dfp, nil
}

// InspectDFP returns the inspector's report for a compiled model.
func (t *Toolchain) InspectDFP(ctx context.Context, dfpPath string) (string, error) {
	stdout, stderr, err := t.runner.Run(ctx, t.Inspect, dfpPath)
	if err != nil {
		return "", toolError(t.Inspect, err, stderr)
	}
	return string(stdout), nil
}

// DFPPath maps a model file to the compiled artifact next to it.
func DFPPath(modelPath string) string {
	ext := filepath.Ext(modelPath)
	for _, known := range modelExts {
		if strings.EqualFold(ext, known) {
			return strings.TrimSuffix(modelPath, ext) + ".dfp"
		}
	}
	return modelPath + ".dfp"
}

func toolError(name string, err error, stderr []byte) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%s: %w", name, models.ErrToolMissing)
	}
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		return fmt.Errorf("%s failed: %v: %s", name, err, msg)
	}
	return fmt.Errorf("%s failed: %w", name, err)
}
