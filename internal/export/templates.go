package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"

	"temerio/api/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var timelineTemplate = template.Must(template.New("timeline.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"statusLabel": statusLabel,
}).ParseFS(templateFS, "templates/timeline.html"))

// TemplateData holds data for timeline template rendering
type TemplateData struct {
	Title       string
	Count       int
	GeneratedAt time.Time
	Years       []TemplateYear
}

// TemplateYear groups moments sharing a calendar year.
type TemplateYear struct {
	Year    int
	Moments []TemplateMoment
}

type TemplateMoment struct {
	Date            time.Time
	Title           string
	Description     string
	Status          string
	Participants    []string
	Impact          int
	ConfidenceDate  int
	ConfidenceTruth int
	Verified        bool
}

// BuildTemplateData groups moments by year, keeping the input order inside
// each group. Moments are expected newest first.
func BuildTemplateData(title string, moments []store.TimelineMoment, generatedAt time.Time) TemplateData {
	data := TemplateData{Title: title, Count: len(moments), GeneratedAt: generatedAt}
	for _, m := range moments {
		year := m.MomentDate.Year()
		if n := len(data.Years); n == 0 || data.Years[n-1].Year != year {
			data.Years = append(data.Years, TemplateYear{Year: year})
		}
		group := &data.Years[len(data.Years)-1]
		group.Moments = append(group.Moments, TemplateMoment{
			Date:            m.MomentDate,
			Title:           m.Title,
			Description:     m.Description,
			Status:          m.Status,
			Participants:    m.Participants,
			Impact:          m.ImpactLevel,
			ConfidenceDate:  m.ConfidenceDate,
			ConfidenceTruth: m.ConfidenceTruth,
			Verified:        m.Verified,
		})
	}
	return data
}

// RenderTimelineHTML renders the timeline template with provided data
func RenderTimelineHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := timelineTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func statusLabel(status string) string {
	switch status {
	case "past_fact":
		return "Happened"
	case "future_plan":
		return "Planned"
	case "ongoing":
		return "Ongoing"
	default:
		return strings.ReplaceAll(status, "_", " ")
	}
}
