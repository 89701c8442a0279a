package hooks

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"lecca.io/scout-watchtower/internal/logger"
)

// Name identifies a hook and is used in logs, reports and metrics labels.
type Name string

const (
	Init                           Name = "init"
	NewSession                     Name = "new_session"
	NewEra                         Name = "new_era"
	ValidatorStartsActiveNextEra   Name = "validator_starts_active_next_era"
	ValidatorStartsInactiveNextEra Name = "validator_starts_inactive_next_era"
	ValidatorSlashed               Name = "validator_slashed"
	ValidatorChilled               Name = "validator_chilled"
	ValidatorOffline               Name = "validator_offline"
	ReferendaSubmitted             Name = "referenda_submitted"
)

var descriptions = map[Name]string{
	Init:                           "Watchtower initialized",
	NewSession:                     "New session",
	NewEra:                         "New era",
	ValidatorStartsActiveNextEra:   "Validator starts active next era",
	ValidatorStartsInactiveNextEra: "Validator starts inactive next era",
	ValidatorSlashed:               "Validator has been slashed",
	ValidatorChilled:               "Validator has been chilled",
	ValidatorOffline:               "Validator has been offline",
	ReferendaSubmitted:             "Referendum submitted",
}

func (n Name) Description() string {
	if d, ok := descriptions[n]; ok {
		return d
	}
	return string(n)
}

// Result of a hook execution. Exists is false when no script is configured
// or the file is missing; that is not an error.
type Result struct {
	Name     Name
	Path     string
	Exists   bool
	Stdout   []string
	Duration time.Duration
}

// Highlights returns stdout lines marked with a leading '!', marker removed.
func (r Result) Highlights() []string {
	var out []string
	for _, line := range r.Stdout {
		if strings.HasPrefix(line, "!") {
			out = append(out, strings.TrimPrefix(line, "!"))
		}
	}
	return out
}

type Runner struct {
	timeout time.Duration
}

func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Runner{timeout: timeout}
}

// Check logs a warning when the hook script is not in place.
func (r *Runner) Check(name Name, path string) bool {
	if !fileExists(path) {
		logger.Warn("HOOK", "%s - filename (%s) not defined", name.Description(), path)
		return false
	}
	return true
}

// Run executes the hook script with positional args.
func (r *Runner) Run(ctx context.Context, name Name, path string, args []string) (Result, error) {
	res := Result{Name: name, Path: path}
	if !fileExists(path) {
		logger.Debug("HOOK", "%s - filename (%s) not defined", name.Description(), path)
		return res, nil
	}
	res.Exists = true

	logger.Info("HOOK", "Run: %s %s", path, strings.Join(args, " "))

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// grandchildren may hold stdout open after a kill
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)

	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Info("HOOK", "$ %s", line)
		res.Stdout = append(res.Stdout, line)
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("hook %s (%s) timed out after %s", name, path, r.timeout)
		}
		return res, fmt.Errorf("hook %s (%s) executed with error: %w: %s",
			name, path, err, strings.TrimSpace(stderr.String()))
	}
	return res, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
