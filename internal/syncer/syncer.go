// Package syncer runs the combined sync operation: refresh assigned decks,
// then upload cached progress. At most one sync is in flight at a time.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/huyvng/decksync/internal/api"
	"github.com/huyvng/decksync/internal/auth"
	"github.com/huyvng/decksync/internal/deck"
	"github.com/huyvng/decksync/internal/progress"
	"github.com/huyvng/decksync/internal/storage"
)

// Syncer coordinates deck downloads and progress uploads.
type Syncer struct {
	client    *api.Client
	auth      *auth.Manager
	db        *storage.DB
	cache     *progress.Cache
	installer *deck.Installer

	// gate serializes sync attempts. A trigger that arrives while a sync
	// is in flight is a no-op.
	gate sync.Mutex
}

// New creates a syncer over the given collaborators.
func New(client *api.Client, authMgr *auth.Manager, db *storage.DB, cache *progress.Cache, installer *deck.Installer) *Syncer {
	return &Syncer{
		client:    client,
		auth:      authMgr,
		db:        db,
		cache:     cache,
		installer: installer,
	}
}

// Result summarizes one sync attempt.
type Result struct {
	Skipped    bool `json:"skipped"` // another sync was already in flight
	Downloaded int  `json:"downloaded"`
	Synced     int  `json:"synced"`
}

// Sync runs the full operation: ensure a valid token, download stale decks,
// flush cached progress. Per-deck failures are logged and skipped; the error
// returned covers failures that stopped the whole run.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	if !s.gate.TryLock() {
		slog.Debug("sync already in flight, skipping trigger")
		return Result{Skipped: true}, nil
	}
	defer s.gate.Unlock()

	if _, err := s.auth.EnsureValidToken(ctx); err != nil {
		return Result{}, err
	}

	var result Result
	downloaded, err := s.checkAndSync(ctx)
	result.Downloaded = downloaded
	if err != nil {
		// Deck listing failed; progress can still flush.
		slog.Warn("deck sync failed, will retry on next trigger", "error", err)
	}

	synced, flushErr := s.cache.Flush(ctx)
	result.Synced = synced
	if err == nil {
		err = flushErr
	}

	slog.Info("sync complete", "downloaded", result.Downloaded, "synced", result.Synced)
	return result, err
}

// Tick checks the progress thresholds and flushes when one has fired. The
// host's event loop drives it; there is no background timer here.
func (s *Syncer) Tick(ctx context.Context) error {
	due, err := s.cache.Tick()
	if err != nil {
		return err
	}
	if !due {
		return nil
	}
	return s.flushOnly(ctx)
}

// RecordReview caches one review and flushes immediately when the count
// threshold fires, before the next review can be recorded. Reviews on decks
// the LMS does not track are dropped and reported as untracked.
func (s *Syncer) RecordReview(ctx context.Context, deckName, cardID string, ease int, timeMS int64) (tracked bool, err error) {
	flushDue, tracked, err := s.cache.Record(deckName, cardID, ease, timeMS)
	if err != nil || !tracked {
		return tracked, err
	}
	if flushDue {
		if err := s.flushOnly(ctx); err != nil {
			// The events stay cached; the next trigger retries.
			slog.Warn("threshold flush failed", "error", err)
		}
	}
	return true, nil
}

func (s *Syncer) flushOnly(ctx context.Context) error {
	if !s.gate.TryLock() {
		return nil
	}
	defer s.gate.Unlock()
	_, err := s.cache.Flush(ctx)
	return err
}

// checkAndSync downloads every assignment whose server version is newer than
// the locally installed one. Equal or older server versions download
// nothing, so rerunning without a server-side change is free.
func (s *Syncer) checkAndSync(ctx context.Context) (int, error) {
	assignments, err := s.client.MyDecks(ctx)
	if err != nil {
		return 0, err
	}
	if len(assignments) == 0 {
		slog.Info("no decks assigned")
		return 0, nil
	}

	var downloaded int
	for _, assignment := range assignments {
		local, err := s.db.LocalDeckVersion(assignment.LMSDeckID)
		if err != nil {
			slog.Error("failed to read local deck version", "lms_deck_id", assignment.LMSDeckID, "error", err)
			continue
		}
		if assignment.Version <= local {
			continue
		}

		slog.Info("downloading deck", "lms_deck_id", assignment.LMSDeckID, "title", assignment.Title,
			"local_version", local, "server_version", assignment.Version)
		if err := s.downloadAndInstall(ctx, assignment.LMSDeckID, assignment.Title); err != nil {
			slog.Warn("deck download failed, will retry on next trigger",
				"lms_deck_id", assignment.LMSDeckID, "error", err)
			continue
		}
		downloaded++
	}
	return downloaded, nil
}

// downloadAndInstall fetches one deck and records its version and mapping.
// The stored version changes only after the package is fully on disk.
func (s *Syncer) downloadAndInstall(ctx context.Context, lmsDeckID int64, title string) error {
	dl, err := s.client.DownloadDeck(ctx, lmsDeckID)
	if err != nil {
		return err
	}
	defer dl.Body.Close()

	path, err := s.installer.Install(dl)
	if err != nil {
		return err
	}

	if err := s.db.UpsertDeck(dl.LMSDeckID, title, dl.Version, path); err != nil {
		return fmt.Errorf("failed to record deck version: %w", err)
	}
	if err := s.db.SetDeckMapping(title, dl.LMSDeckID); err != nil {
		return fmt.Errorf("failed to record deck mapping: %w", err)
	}
	return nil
}
