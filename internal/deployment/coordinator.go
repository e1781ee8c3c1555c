package deployment

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"pushdeploy/internal/history"
	"pushdeploy/internal/project"
)

// Disposition classifies the immediate result of a deploy trigger.
type Disposition int

const (
	// Accepted means a supervised run was started. It does not imply the
	// deployment will succeed; callers observe the outcome via logs or
	// the status endpoint.
	Accepted Disposition = iota
	// NotConfigured means the pushing repository maps to no project.
	// Expected and harmless, not an error.
	NotConfigured
	// BranchSkipped means the push was to a branch outside the project's
	// allowed set. Also a no-op, not an error.
	BranchSkipped
	// Busy means a deployment is already in progress system-wide.
	Busy
)

// Request is the ephemeral trigger derived from an inbound push payload.
type Request struct {
	Ref      string
	RepoName string
	Pusher   string
}

// Outcome describes how a trigger was dispatched.
type Outcome struct {
	Disposition Disposition
	Project     string
	Repo        string
	Branch      string
	Pusher      string
	// Holder carries the in-progress deployment's identity when the
	// disposition is Busy.
	Holder Status
}

// Coordinator resolves push events to projects, applies the branch filter,
// guards the single global deployment slot, and hands accepted triggers to
// the process supervisor without blocking the caller.
type Coordinator struct {
	Registry   *project.Registry
	Lock       *Lock
	Supervisor *Supervisor
	History    *history.History
	Logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewCoordinator creates a coordinator
func NewCoordinator(registry *project.Registry, lock *Lock, supervisor *Supervisor, hist *history.History, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		Registry:   registry,
		Lock:       lock,
		Supervisor: supervisor,
		History:    hist,
		Logger:     logger,
	}
}

// Trigger resolves and dispatches one push event. On Accepted the deploy
// command runs in a spawned goroutine whose lifetime outlives the caller;
// the returned outcome only acknowledges the start of a supervised run.
func (c *Coordinator) Trigger(ctx context.Context, req Request) Outcome {
	branch := project.BranchFromRef(req.Ref)

	c.Logger.Info("Push event received",
		"repo", req.RepoName,
		"branch", branch,
		"pusher", req.Pusher)

	proj, err := c.Registry.Lookup(req.RepoName)
	if err != nil {
		c.Logger.Info("Repository not configured for deployment", "repo", req.RepoName)
		return Outcome{Disposition: NotConfigured, Repo: req.RepoName, Pusher: req.Pusher}
	}

	if !proj.MatchesBranch(branch) {
		c.Logger.Info("Ignoring push to non-deployment branch",
			"repo", req.RepoName,
			"branch", branch,
			"allowed", proj.Branches)
		return Outcome{
			Disposition: BranchSkipped,
			Project:     proj.Name,
			Repo:        req.RepoName,
			Branch:      branch,
			Pusher:      req.Pusher,
		}
	}

	// Busy check. The lock is global: one deployment runs system-wide
	// regardless of project.
	if status := c.Lock.Check(); status.Deploying {
		c.Logger.Warn("Deployment already in progress",
			"requested", proj.Name,
			"holder", status.Project)
		c.recordRejected(ctx, proj, req, branch)
		return Outcome{
			Disposition: Busy,
			Project:     proj.Name,
			Repo:        req.RepoName,
			Branch:      branch,
			Pusher:      req.Pusher,
			Holder:      status,
		}
	}

	// The busy check above and this acquire are not one transaction; the
	// acquire itself is atomic, so the loser of a race lands here.
	if err := c.Lock.Acquire(proj.Name, os.Getpid()); err != nil {
		c.Logger.Warn("Lost deployment lock race", "project", proj.Name, "error", err)
		c.recordRejected(ctx, proj, req, branch)
		return Outcome{
			Disposition: Busy,
			Project:     proj.Name,
			Repo:        req.RepoName,
			Branch:      branch,
			Pusher:      req.Pusher,
			Holder:      c.Lock.Check(),
		}
	}

	attemptID := c.recordAccepted(ctx, proj, req, branch)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Supervisor.Run(attemptID, proj, branch)
	}()

	return Outcome{
		Disposition: Accepted,
		Project:     proj.Name,
		Repo:        req.RepoName,
		Branch:      branch,
		Pusher:      req.Pusher,
	}
}

// Wait blocks until all in-flight deployments finish.
// Used for graceful shutdown and in tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) recordAccepted(ctx context.Context, proj *project.Project, req Request, branch string) int64 {
	if c.History == nil {
		return 0
	}
	id, err := c.History.RecordAttempt(ctx, &history.Attempt{
		Project:     proj.Name,
		Repo:        req.RepoName,
		Branch:      branch,
		Ref:         req.Ref,
		TriggeredBy: req.Pusher,
		Status:      history.StatusAccepted,
	})
	if err != nil {
		c.Logger.Error("Failed to record deployment attempt", "error", err, "project", proj.Name)
		return 0
	}
	return id
}

func (c *Coordinator) recordRejected(ctx context.Context, proj *project.Project, req Request, branch string) {
	if c.History == nil {
		return
	}
	_, err := c.History.RecordAttempt(ctx, &history.Attempt{
		Project:     proj.Name,
		Repo:        req.RepoName,
		Branch:      branch,
		Ref:         req.Ref,
		TriggeredBy: req.Pusher,
		Status:      history.StatusRejected,
	})
	if err != nil {
		c.Logger.Error("Failed to record rejection", "error", err, "project", proj.Name)
	}
}
