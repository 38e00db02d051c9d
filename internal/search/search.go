package search

import (
	"time"

	"temerio/api/internal/store"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPerson ResultType = "person"
	ResultMoment ResultType = "moment"
)

// ParseResultType accepts "person", "moment" or empty for both.
func ParseResultType(value string) (ResultType, bool) {
	switch ResultType(value) {
	case "":
		return "", true
	case ResultPerson, ResultMoment:
		return ResultType(value), true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	Date    string     `json:"date,omitempty"`
}

// Query is always scoped to one user.
type Query struct {
	UserID     string
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// PersonRecord is the data we index for a person. Visible is false for
// deleted or merged people.
type PersonRecord struct {
	ID                string `json:"id"`
	UserID            string `json:"userId"`
	DisplayName       string `json:"displayName"`
	RelationshipLabel string `json:"relationshipLabel"`
	Visible           bool   `json:"visible"`
}

// MomentRecord is the data we index for a moment.
type MomentRecord struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Status      string `json:"status"`
}

func PersonRecordFrom(p store.Person) PersonRecord {
	return PersonRecord{
		ID:                p.ID,
		UserID:            p.UserID,
		DisplayName:       p.DisplayName,
		RelationshipLabel: p.RelationshipLabel,
		Visible:           p.DeletedAt == nil && !p.Absorbed(),
	}
}

func MomentRecordFrom(m store.Moment) MomentRecord {
	return MomentRecord{
		ID:          m.ID,
		UserID:      m.UserID,
		Title:       m.Title,
		Description: m.Description,
		Date:        m.MomentDate.Format(time.DateOnly),
		Status:      m.Status,
	}
}
