package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"temerio/api/internal/activity"
	"temerio/api/internal/clock"
	"temerio/api/internal/store"
)

type timelineStore interface {
	ListTimeline(ctx context.Context, userID string) ([]store.TimelineMoment, error)
}

type archiver interface {
	Store(ctx context.Context, key, filename, mimeType string, data []byte) (string, time.Time, error)
}

type recorder interface {
	Record(event activity.Event)
}

// PDFRenderer turns rendered HTML into PDF bytes.
type PDFRenderer func(ctx context.Context, html string) ([]byte, error)

// Service provides timeline export functionality
type Service struct {
	store    timelineStore
	clock    clock.Clock
	activity recorder
	pdf      PDFRenderer
	archive  archiver
}

// NewService creates a new export service. A nil archive returns artifacts
// inline; a nil pdf renderer uses headless Chrome.
func NewService(store timelineStore, clk clock.Clock, activity recorder, pdf PDFRenderer, archive *Archive) *Service {
	if pdf == nil {
		pdf = ChromePDF
	}
	s := &Service{store: store, clock: clk, activity: activity, pdf: pdf}
	if archive != nil {
		s.archive = archive
	}
	return s
}

// Export renders the caller's timeline in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format != FormatHTML && req.Format != FormatPDF {
		return nil, ErrUnsupportedFormat
	}

	moments, err := s.store.ListTimeline(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}

	now := s.clock.Now()
	title := timelineTitle(req.DisplayName)
	html, err := RenderTimelineHTML(BuildTemplateData(title, moments, now))
	if err != nil {
		return nil, fmt.Errorf("render timeline: %w", err)
	}

	result := &Result{
		Data:     []byte(html),
		Filename: sanitizeFilename(title) + ".html",
		MimeType: "text/html; charset=utf-8",
	}
	if req.Format == FormatPDF {
		data, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		result = &Result{
			Data:     data,
			Filename: sanitizeFilename(title) + ".pdf",
			MimeType: "application/pdf",
		}
	}

	if s.archive != nil {
		url, expiresAt, err := s.archive.Store(ctx, objectKey(req.UserID, result.Filename, now), result.Filename, result.MimeType, result.Data)
		if err != nil {
			return nil, err
		}
		result.URL = url
		result.ExpiresAt = &expiresAt
		result.Data = nil
	}

	if s.activity != nil {
		s.activity.Record(activity.Event{
			ActorID:  req.UserID,
			Action:   "timeline.exported",
			ItemType: "timeline",
			ItemID:   req.UserID,
			Metadata: map[string]any{"format": string(req.Format), "moments": len(moments), "archived": result.URL != ""},
		})
	}
	return result, nil
}

func timelineTitle(displayName string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return "Timeline"
	}
	return name + " Timeline"
}
