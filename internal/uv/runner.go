package uv

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/tuleaj/plugin-aggregator/internal/config"
	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
)

// Tool invokes the uv package manager as a subprocess. Every call takes a
// context and is additionally bounded by the configured timeout for its
// operation class; hitting either bound is a failure, never a hang.
type Tool struct {
	bin      string
	timeouts config.TimeoutConfig
	logger   *logging.Logger
}

// NewTool creates a runner for the given uv binary
func NewTool(bin string, timeouts config.TimeoutConfig, logger *logging.Logger) *Tool {
	return &Tool{
		bin:      bin,
		timeouts: timeouts,
		logger:   logger.Component("uv"),
	}
}

// Result carries the outcome of one tool invocation
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ErrorText returns the most useful error text from a failed invocation
func (r Result) ErrorText() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.Stdout); s != "" {
		return s
	}
	return "unknown error"
}

// run executes one command with a timeout bound. Non-zero exit is returned
// in Result, not as an error; err is reserved for spawn failures and
// timeouts.
func (t *Tool) run(ctx context.Context, timeout time.Duration, dir string, name string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := Result{
		Stdout: sanitize(stdout.Bytes()),
		Stderr: sanitize(stderr.Bytes()),
	}

	if ctx.Err() == context.DeadlineExceeded {
		t.logger.Warn("command timed out",
			zap.String("cmd", name),
			zap.Strings("args", args),
			zap.Duration("after", elapsed))
		return res, faults.Wrap(faults.SyncTimeout, context.DeadlineExceeded,
			"%s timed out after %s", name, timeout)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, faults.Wrap(faults.ToolUnavailable, err, "failed to run %s", name)
	}

	t.logger.Debug("command finished",
		zap.String("cmd", name),
		zap.Strings("args", args),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

// sanitize decodes subprocess output; tool output on some platforms is
// not guaranteed UTF-8.
func sanitize(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// Version probes `uv --version`; used as an availability check before
// environment creation.
func (t *Tool) Version(ctx context.Context) (string, error) {
	res, err := t.run(ctx, t.timeouts.Probe, "", t.bin, "--version")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", faults.New(faults.ToolUnavailable, "uv version check failed: %s", res.ErrorText())
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CreateVenv runs `uv venv --python <version>` inside dir
func (t *Tool) CreateVenv(ctx context.Context, dir, pythonVersion string) error {
	res, err := t.run(ctx, t.timeouts.EnvCreate, dir, t.bin, "venv", "--python", pythonVersion)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return faults.New(faults.SyncFailed, "uv venv failed: %s", res.ErrorText())
	}
	return nil
}

// Sync runs `uv sync` for the project at dir against the given
// interpreter, optionally via a mirror index URL.
func (t *Tool) Sync(ctx context.Context, dir, interpreter, indexURL string) (Result, error) {
	args := []string{"sync", "--python", interpreter, "--project", dir}
	if indexURL != "" {
		args = append(args, "--index-url", indexURL)
	}
	return t.run(ctx, t.timeouts.Sync, dir, t.bin, args...)
}

// Install installs a single package spec into the environment behind
// interpreter, optionally via a mirror index URL.
func (t *Tool) Install(ctx context.Context, interpreter, spec, indexURL string) error {
	args := []string{"pip", "install", "--python", interpreter, spec}
	if indexURL != "" {
		args = append(args, "--index-url", indexURL)
	}
	res, err := t.run(ctx, t.timeouts.Install, "", t.bin, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return faults.New(faults.SyncFailed, "install %s failed: %s", spec, res.ErrorText())
	}
	return nil
}

// ListPackages returns the installed packages for an environment. It asks
// uv first and falls back to the interpreter's pip when uv cannot answer.
func (t *Tool) ListPackages(ctx context.Context, interpreter string) ([]types.Package, error) {
	res, err := t.run(ctx, t.timeouts.List, "",
		t.bin, "pip", "list", "--format=json", "--python", interpreter)
	if err == nil && res.ExitCode == 0 {
		if pkgs, perr := parsePackageJSON(res.Stdout); perr == nil {
			return pkgs, nil
		}
	}

	res, err = t.run(ctx, t.timeouts.List, "",
		interpreter, "-m", "pip", "list", "--format=json")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, faults.New(faults.SyncFailed, "pip list failed: %s", res.ErrorText())
	}
	return parsePackageJSON(res.Stdout)
}

// PythonVersion probes the interpreter's version string
func (t *Tool) PythonVersion(ctx context.Context, interpreter string) (string, error) {
	res, err := t.run(ctx, t.timeouts.Probe, "", interpreter, "--version")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", faults.New(faults.EnvironmentNotFound, "python version probe failed: %s", res.ErrorText())
	}
	return strings.TrimSpace(res.Stdout), nil
}

func parsePackageJSON(out string) ([]types.Package, error) {
	var pkgs []types.Package
	if err := sonic.Unmarshal([]byte(out), &pkgs); err != nil {
		return nil, faults.Wrap(faults.SyncFailed, err, "unparsable package list")
	}
	return pkgs, nil
}
