package gitops

import (
	"context"
	"time"

	"github.com/stationops/keeper/pkg/logging"
	"github.com/stationops/keeper/pkg/retry"
)

// Outcome reports one sync attempt. It is computed fresh each cycle and
// never persisted: Updated is true only when the working tree ended at the
// remote revision and passed the integrity check.
type Outcome struct {
	LocalRevision   string
	RemoteRevision  string
	FetchOK         bool
	ApplyOK         bool
	IntegrityOK     bool
	Updated         bool
	ManifestChanged bool
}

// Syncer drives the fetch / compare / apply / verify / fsck sequence.
type Syncer struct {
	client       RepositoryClient
	logger       *logging.Logger
	manifestFile string

	fetchAttempts int
	fetchDelay    time.Duration
	applyTimeout  time.Duration
}

// NewSyncer creates a Syncer with the standard bounds: 3 fetch attempts
// 5s apart, 60s apply timeout.
func NewSyncer(client RepositoryClient, logger *logging.Logger, manifestFile string) *Syncer {
	return &Syncer{
		client:        client,
		logger:        logger,
		manifestFile:  manifestFile,
		fetchAttempts: 3,
		fetchDelay:    5 * time.Second,
		applyTimeout:  60 * time.Second,
	}
}

// Sync runs one synchronization attempt. Failures are non-destructive: on
// any abort the prior revision remains authoritative and the returned
// Outcome records how far the attempt got. The error return is reserved for
// broken preconditions (e.g. not a repository at all).
func (s *Syncer) Sync(ctx context.Context) (*Outcome, error) {
	out := &Outcome{}

	local, err := s.client.LocalRevision(ctx)
	if err != nil {
		return nil, err
	}
	out.LocalRevision = local

	err = retry.Do(ctx, retry.Fixed(s.fetchAttempts, s.fetchDelay), func() error {
		return s.client.Fetch(ctx)
	})
	if err != nil {
		s.logger.Warn("Fetch failed after retries, skipping update", map[string]interface{}{
			"error": err.Error(),
		})
		return out, nil
	}
	out.FetchOK = true

	remote, err := s.client.RemoteRevision(ctx)
	if err != nil {
		s.logger.Warn("Could not resolve remote revision, skipping update", map[string]interface{}{
			"error": err.Error(),
		})
		return out, nil
	}
	out.RemoteRevision = remote

	if local == remote {
		s.logger.Debug("Repository up to date", map[string]interface{}{"revision": local})
		return out, nil
	}

	s.logger.Info("New revision available", map[string]interface{}{
		"local": local, "remote": remote,
	})

	applyCtx, cancel := context.WithTimeout(ctx, s.applyTimeout)
	defer cancel()

	if err := s.client.Merge(applyCtx); err != nil {
		s.logger.Warn("Merge failed, falling back to hard reset", map[string]interface{}{
			"error": err.Error(),
		})
		if err := s.client.HardReset(applyCtx, remote); err != nil {
			s.logger.Error("Hard reset failed, update abandoned", map[string]interface{}{
				"error": err.Error(),
			})
			return out, nil
		}
	}

	// Neither path may leave a half-applied state: the tree must now sit
	// exactly at the remote revision or the update is abandoned.
	head, err := s.client.LocalRevision(ctx)
	if err != nil || head != remote {
		s.logger.Error("Working tree did not reach remote revision, update abandoned",
			map[string]interface{}{"head": head, "remote": remote})
		return out, nil
	}
	out.ApplyOK = true

	if err := s.client.Fsck(ctx); err != nil {
		s.logger.Error("Repository integrity check failed, staying on prior revision",
			map[string]interface{}{"error": err.Error()})
		return out, nil
	}
	out.IntegrityOK = true
	out.Updated = true

	out.ManifestChanged = s.manifestChanged(ctx, local, remote)

	s.logger.Info("Update applied", map[string]interface{}{
		"revision": remote, "manifest_changed": out.ManifestChanged,
	})
	return out, nil
}

// manifestChanged diffs the dependency manifest between the two revisions.
func (s *Syncer) manifestChanged(ctx context.Context, oldRev, newRev string) bool {
	if s.manifestFile == "" {
		return false
	}
	before, err := s.client.FileAtRevision(ctx, oldRev, s.manifestFile)
	if err != nil {
		return true // unreadable manifest: rebuild to be safe
	}
	after, err := s.client.FileAtRevision(ctx, newRev, s.manifestFile)
	if err != nil {
		return true
	}
	return before != after
}
