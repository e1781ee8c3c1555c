package deployment

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pushdeploy/internal/history"
	"pushdeploy/internal/project"
	"pushdeploy/pkg/cmdutil"
)

const (
	// DeployTimeout bounds the wall-clock runtime of the deploy command
	DeployTimeout = 600 * time.Second

	// StdoutTailBytes and StderrTailBytes bound how much subprocess
	// output is retained for logging on failure
	StdoutTailBytes = 500
	StderrTailBytes = 1000
)

// Supervisor runs the external deploy command as a child process with a
// bounded environment and timeout, captures its output, and releases the
// deployment lock when the child terminates. It trusts its caller to have
// acquired the lock; it does not enforce single-flight itself.
type Supervisor struct {
	HostingDir string
	Command    []string
	Timeout    time.Duration
	Lock       *Lock
	History    *history.History
	Logger     *slog.Logger
}

// NewSupervisor creates a supervisor for the given deploy command
func NewSupervisor(hostingDir string, command []string, lock *Lock, hist *history.History, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		HostingDir: hostingDir,
		Command:    command,
		Timeout:    DeployTimeout,
		Lock:       lock,
		History:    hist,
		Logger:     logger,
	}
}

// Run executes the deploy command for a project and branch, releasing the
// lock exactly once on any outcome. It is called from the goroutine the
// coordinator spawned; no caller is waiting on its result.
func (s *Supervisor) Run(attemptID int64, proj *project.Project, branch string) {
	defer s.Lock.Release()

	start := time.Now()
	s.Logger.Info("Starting deployment", "project", proj.Name, "branch", branch)

	result, err := cmdutil.Run(context.Background(), cmdutil.ExecOptions{
		Dir:     s.HostingDir,
		Timeout: s.Timeout,
		Env:     s.buildEnv(proj, branch),
	}, s.Command)

	duration := time.Since(start)

	switch {
	case result != nil && result.TimedOut:
		s.Logger.Error("Deployment timed out",
			"project", proj.Name,
			"timeout", s.Timeout.String(),
			"duration_s", duration.Seconds())
		s.complete(attemptID, history.StatusTimeout, result.ExitCode, duration, "deployment timed out")

	case err != nil && result != nil && result.ExitCode > 0:
		stdoutTail := cmdutil.Tail(result.Stdout, StdoutTailBytes)
		stderrTail := cmdutil.Tail(result.Stderr, StderrTailBytes)
		s.Logger.Error("Deployment failed",
			"project", proj.Name,
			"exit_code", result.ExitCode,
			"duration_s", duration.Seconds(),
			"stdout", stdoutTail,
			"stderr", stderrTail)
		s.complete(attemptID, history.StatusFailed, result.ExitCode, duration, stderrTail)

	case err != nil:
		// Command never ran (bad path, permissions, ...)
		s.Logger.Error("Deployment failed to launch",
			"project", proj.Name,
			"command", cmdutil.FormatCommand(s.Command),
			"error", err)
		s.complete(attemptID, history.StatusFailed, -1, duration, err.Error())

	default:
		s.Logger.Info("Deployment completed",
			"project", proj.Name,
			"duration_s", duration.Seconds())
		if len(result.Stdout) > 0 {
			s.Logger.Debug("Deployment output",
				"project", proj.Name,
				"stdout", cmdutil.Tail(result.Stdout, StdoutTailBytes))
		}
		s.complete(attemptID, history.StatusSuccess, 0, duration, "")
	}
}

// buildEnv constructs the deploy command environment: the parent
// environment plus the fixed project variables. COMPOSE_FILE is scrubbed
// because docker compose interprets it natively; the configured compose
// file travels as DEPLOY_COMPOSE_FILE instead.
func (s *Supervisor) buildEnv(proj *project.Project, branch string) []string {
	env := make([]string, 0, len(os.Environ())+7)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "COMPOSE_FILE=") {
			continue
		}
		env = append(env, kv)
	}

	env = append(env,
		"PROJECT_NAME="+proj.Name,
		"PROJECT_PATH="+joinHostingPath(s.HostingDir, proj.Path),
		"DEPLOY_COMPOSE_FILE="+proj.ComposeFile,
		"COMPOSE_DIR="+proj.ComposeDir,
		"REPOS="+strings.Join(proj.Repos, ","),
		"BRANCH="+branch,
		"SERVICES="+strings.Join(proj.Services, ","),
	)

	return env
}

func joinHostingPath(hostingDir, rel string) string {
	if rel == "" {
		return hostingDir
	}
	return filepath.Join(hostingDir, rel)
}

func (s *Supervisor) complete(attemptID int64, status string, exitCode int, duration time.Duration, message string) {
	if s.History == nil {
		return
	}
	if err := s.History.Complete(context.Background(), attemptID, status, exitCode, duration.Seconds(), message); err != nil {
		s.Logger.Error("Failed to record deployment outcome", "error", err, "attempt_id", attemptID)
	}
}
