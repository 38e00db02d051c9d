// Package merge reverts person merges recorded in the merge log.
package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"temerio/api/internal/activity"
	"temerio/api/internal/clock"
	"temerio/api/internal/store"
)

const (
	NotFoundMessage = "Merge not found or already undone"
	UndoneMessage   = "Merge undone. The merged person is visible again; moments that were moved to the primary person stay with the primary person."
)

var (
	ErrMissingID = errors.New("merge: merge_log_id is required")
	ErrNotFound  = errors.New("merge: not found or already undone")
	ErrForbidden = errors.New("merge: entry belongs to another user")
)

type undoStore interface {
	GetMergeLog(context.Context, string) (store.MergeLogEntry, error)
	RestorePerson(context.Context, string, string) error
	MarkMergeUndone(context.Context, string, string, time.Time) (bool, error)
	ListMergeLog(context.Context, string, int) ([]store.MergeLogEntry, error)
	GetPerson(context.Context, string, string) (store.Person, error)
}

type recorder interface {
	Record(activity.Event)
}

type personIndexer interface {
	IndexPerson(context.Context, store.Person)
}

type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Service struct {
	store    undoStore
	clock    clock.Clock
	activity recorder
	index    personIndexer
}

func NewService(s undoStore, c clock.Clock, activityLog recorder, index personIndexer) *Service {
	if c == nil {
		c = clock.Real{}
	}
	return &Service{store: s, clock: c, activity: activityLog, index: index}
}

// Undo restores the merged person of the given log entry and marks the entry
// undone. Moments reassigned by the merge are not moved back. The two writes
// are separate; repeating a call after a partial failure is safe.
func (s *Service) Undo(ctx context.Context, userID, mergeLogID string) (Result, error) {
	mergeLogID = strings.TrimSpace(mergeLogID)
	if mergeLogID == "" {
		return Result{}, ErrMissingID
	}
	if _, err := uuid.Parse(mergeLogID); err != nil {
		return Result{}, ErrNotFound
	}

	entry, err := s.store.GetMergeLog(ctx, mergeLogID)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("load merge log: %w", err)
	}
	if entry.UserID != userID {
		return Result{}, ErrForbidden
	}
	if entry.UndoneAt != nil {
		return Result{}, ErrNotFound
	}

	if err := s.store.RestorePerson(ctx, userID, entry.MergedID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, fmt.Errorf("merged person %s no longer exists: %v", entry.MergedID, err)
		}
		return Result{}, err
	}

	marked, err := s.store.MarkMergeUndone(ctx, userID, entry.ID, s.clock.Now())
	if err != nil {
		return Result{}, err
	}
	if !marked {
		return Result{}, ErrNotFound
	}

	if s.activity != nil {
		s.activity.Record(activity.Event{
			ActorID:  userID,
			Action:   "merge.undone",
			ItemType: "merge",
			ItemID:   entry.ID,
			Metadata: map[string]any{"primary_id": entry.PrimaryID, "merged_id": entry.MergedID},
		})
	}
	if s.index != nil {
		if person, err := s.store.GetPerson(ctx, userID, entry.MergedID); err == nil {
			s.index.IndexPerson(ctx, person)
		} else {
			log.Printf("merge: reload restored person %s: %v", entry.MergedID, err)
		}
	}

	return Result{Success: true, Message: UndoneMessage}, nil
}

// History lists the caller's merge log, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]store.MergeLogEntry, error) {
	return s.store.ListMergeLog(ctx, userID, limit)
}
