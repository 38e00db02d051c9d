// Package onboarding creates the default person and first timeline moment
// for a newly signed-in account.
package onboarding

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"temerio/api/internal/activity"
	"temerio/api/internal/clock"
	"temerio/api/internal/session"
	"temerio/api/internal/store"
)

const (
	SelfLabel      = "Self"
	DefaultName    = "Me"
	WelcomeTitle   = "Temerio account created"
	WelcomeStatus  = "past_fact"
	guardPurpose   = "seed"
	fullConfidence = 10
	welcomeImpact  = 1
)

type seedStore interface {
	CountPeople(context.Context, string) (int, error)
	FindPersonByRelationship(context.Context, string, string) (store.Person, error)
	InsertPerson(context.Context, store.Person) error
	CountMoments(context.Context, string) (int, error)
	InsertMoment(context.Context, store.Moment) error
	LinkParticipant(context.Context, string, string) error
}

type recorder interface {
	Record(activity.Event)
}

// Indexer receives newly created records for search. Failures are the
// indexer's concern.
type Indexer interface {
	IndexPerson(context.Context, store.Person)
	IndexMoment(context.Context, store.Moment)
}

type Input struct {
	UserID      string
	SessionID   string
	Email       string
	DisplayName string
}

// Result reports what the call did. Skipped means the session was already
// seeded.
type Result struct {
	Skipped       bool   `json:"skipped"`
	PersonID      string `json:"personId,omitempty"`
	PersonCreated bool   `json:"personCreated"`
	MomentID      string `json:"momentId,omitempty"`
	MomentCreated bool   `json:"momentCreated"`
}

type Seeder struct {
	store    seedStore
	guard    session.Guard
	clock    clock.Clock
	activity recorder
	index    Indexer
}

func NewSeeder(s seedStore, guard session.Guard, c clock.Clock, activityLog recorder, index Indexer) *Seeder {
	if c == nil {
		c = clock.Real{}
	}
	return &Seeder{store: s, guard: guard, clock: c, activity: activityLog, index: index}
}

// Seed runs at most once per session. Every step is best effort: failures are
// logged and the remaining steps still run.
func (s *Seeder) Seed(ctx context.Context, in Input) Result {
	if in.UserID == "" {
		return Result{Skipped: true}
	}
	if s.guard != nil && in.SessionID != "" {
		claimed, err := s.guard.Claim(ctx, in.SessionID, guardPurpose)
		if err != nil {
			log.Printf("seed: guard unavailable for user %s, continuing: %v", in.UserID, err)
		} else if !claimed {
			return Result{Skipped: true}
		}
	}

	var result Result
	person, created, err := s.ensurePerson(ctx, in)
	if err != nil {
		log.Printf("seed: ensure person for user %s: %v", in.UserID, err)
	} else {
		result.PersonID = person.ID
		result.PersonCreated = created
		if created && s.index != nil {
			s.index.IndexPerson(ctx, person)
		}
	}

	moment, created, err := s.ensureMoment(ctx, in.UserID, result.PersonID)
	if err != nil {
		log.Printf("seed: ensure moment for user %s: %v", in.UserID, err)
	} else if created {
		result.MomentID = moment.ID
		result.MomentCreated = true
		if s.index != nil {
			s.index.IndexMoment(ctx, moment)
		}
	}

	if (result.PersonCreated || result.MomentCreated) && s.activity != nil {
		s.activity.Record(activity.Event{
			ActorID:  in.UserID,
			Action:   "seed.completed",
			ItemType: "account",
			ItemID:   in.UserID,
			Metadata: map[string]any{
				"person_created": result.PersonCreated,
				"moment_created": result.MomentCreated,
			},
		})
	}
	return result
}

// ensurePerson returns the user's Self person, creating it only when the
// user has no people at all.
func (s *Seeder) ensurePerson(ctx context.Context, in Input) (store.Person, bool, error) {
	count, err := s.store.CountPeople(ctx, in.UserID)
	if err != nil {
		return store.Person{}, false, err
	}

	existing, err := s.store.FindPersonByRelationship(ctx, in.UserID, SelfLabel)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Person{}, false, err
	}
	if count > 0 {
		return store.Person{}, false, nil
	}

	person := store.Person{
		ID:                uuid.NewString(),
		UserID:            in.UserID,
		DisplayName:       DisplayName(in.DisplayName, in.Email),
		RelationshipLabel: SelfLabel,
	}
	err = s.store.InsertPerson(ctx, person)
	if errors.Is(err, store.ErrConflict) {
		existing, findErr := s.store.FindPersonByRelationship(ctx, in.UserID, SelfLabel)
		if findErr != nil {
			return store.Person{}, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return store.Person{}, false, err
	}
	return person, true, nil
}

func (s *Seeder) ensureMoment(ctx context.Context, userID, personID string) (store.Moment, bool, error) {
	count, err := s.store.CountMoments(ctx, userID)
	if err != nil {
		return store.Moment{}, false, err
	}
	if count > 0 {
		return store.Moment{}, false, nil
	}

	now := s.clock.Now().UTC()
	moment := store.Moment{
		ID:              uuid.NewString(),
		UserID:          userID,
		MomentDate:      time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		Title:           WelcomeTitle,
		Status:          WelcomeStatus,
		ConfidenceDate:  fullConfidence,
		ConfidenceTruth: fullConfidence,
		ImpactLevel:     welcomeImpact,
		Verified:        true,
		CreatedAt:       now,
	}
	if err := s.store.InsertMoment(ctx, moment); err != nil {
		return store.Moment{}, false, err
	}
	if personID != "" {
		if err := s.store.LinkParticipant(ctx, moment.ID, personID); err != nil {
			log.Printf("seed: link moment %s to person %s: %v", moment.ID, personID, err)
		}
	}
	return moment, true, nil
}

var nameSeparators = strings.NewReplacer(".", " ", "_", " ", "-", " ", "+", " ")

// DisplayName prefers the explicit name, then the email local part in title
// case, then DefaultName.
func DisplayName(explicit, email string) string {
	if name := strings.TrimSpace(explicit); name != "" {
		return name
	}
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	local = strings.Join(strings.Fields(nameSeparators.Replace(local)), " ")
	if local == "" {
		return DefaultName
	}
	return cases.Title(language.Und).String(strings.ToLower(local))
}
