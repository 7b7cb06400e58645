// Package report renders the personal wealth score PDF and the spreadsheet
// export of completed sessions.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/scoring"
)

const (
	marginX      = 50.0
	marginTop    = 60.0
	marginBottom = 60.0
	chartSize    = 280.0
	// pillarMax is the highest total a pillar can reach.
	pillarMax = scoring.QuestionsPerPillar * scoring.MaxAnswer
)

// compress toggles stream compression; tests turn it off to inspect content.
var compress = true

// FileNamePattern matches the names Render produces.
var FileNamePattern = regexp.MustCompile(`^score_[0-9A-Za-z]+\.pdf$`)

// PillarScore is one pillar line of the report.
type PillarScore struct {
	Code  models.PillarCode
	Label string
	Total int
}

// Data is everything the PDF shows.
type Data struct {
	SessionID      string
	Name           string
	ScoreTotal     int
	Profile        string
	Strongest      string
	Weakest        string
	Pillars        []PillarScore
	Interpretation string
	Invitation     string
	// Qualified controls whether the strategic invitation is printed.
	Qualified   bool
	GeneratedAt time.Time
}

// NewData assembles report data from a scored session.
func NewData(user *models.User, session *models.Session, totals models.PillarTotals) Data {
	pillars := make([]PillarScore, 0, len(models.PillarOrder))
	for _, code := range models.PillarOrder {
		pillars = append(pillars, PillarScore{Code: code, Label: scoring.PillarLabel(code), Total: totals[code]})
	}
	return Data{
		SessionID:      session.ID,
		Name:           user.Name,
		ScoreTotal:     session.ScoreTotal,
		Profile:        session.Profile,
		Strongest:      scoring.PillarLabel(session.DominantPillar),
		Weakest:        scoring.PillarLabel(session.WeakestPillar),
		Pillars:        pillars,
		Interpretation: session.Interpretation,
		Invitation:     session.Invitation,
		Qualified:      session.Qualified,
	}
}

// Renderer writes report PDFs into a directory.
type Renderer struct {
	dir string
	now func() time.Time
}

// NewRenderer creates a Renderer writing below dir.
func NewRenderer(dir string) *Renderer {
	return &Renderer{dir: dir, now: time.Now}
}

// Dir returns the output directory.
func (r *Renderer) Dir() string { return r.dir }

// FileName returns the report file name for a session.
func FileName(sessionID string) string {
	return fmt.Sprintf("score_%s.pdf", sessionID)
}

// Path returns where the report for sessionID is written.
func (r *Renderer) Path(sessionID string) string {
	return filepath.Join(r.dir, FileName(sessionID))
}

// Render writes the report and returns its path. Rendering the same session
// twice overwrites the previous file.
func (r *Renderer) Render(ctx context.Context, data Data) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if data.SessionID == "" {
		return "", fmt.Errorf("report: session id required")
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("report: create dir: %w", err)
	}
	if data.GeneratedAt.IsZero() {
		data.GeneratedAt = r.now()
	}

	pdf := build(data)
	if pdf.Err() {
		return "", fmt.Errorf("report: layout: %w", pdf.Error())
	}

	path := r.Path(data.SessionID)
	tmp := path + ".tmp"
	if err := pdf.OutputFileAndClose(tmp); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("report: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("report: publish: %w", err)
	}
	slog.Debug("Renderer.Render: report written", "sessionID", data.SessionID, "path", path)
	return path, nil
}

func build(data Data) *fpdf.Fpdf {
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetCompression(compress)
	pdf.SetMargins(marginX, marginTop, marginX)
	pdf.SetAutoPageBreak(true, marginBottom)
	pdf.SetTitle("Wealth Score - "+data.Name, true)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	heading := func(text string) {
		pdf.SetFont("Helvetica", "B", 14)
		pdf.CellFormat(0, 20, tr(text), "", 1, "L", false, 0, "")
	}
	line := func(size float64, h float64, text string) {
		pdf.SetFont("Helvetica", "", size)
		pdf.CellFormat(0, h, tr(text), "", 1, "L", false, 0, "")
	}

	pdf.SetFont("Helvetica", "B", 22)
	pdf.CellFormat(0, 28, tr(data.Name), "", 1, "L", false, 0, "")
	line(13, 18, "Personal Wealth Score™ Report")
	line(10, 16, "Method by Fernando Tessaro • Generated on "+data.GeneratedAt.Format("02/01/2006 15:04"))
	pdf.Ln(19)

	heading("Summary")
	line(12, 16, fmt.Sprintf("Total score: %d", data.ScoreTotal))
	line(12, 16, "Profile: "+data.Profile)
	line(12, 16, "Strongest pillar: "+data.Strongest)
	line(12, 16, "Most vulnerable pillar: "+data.Weakest)
	pdf.Ln(14)

	heading("Pillar distribution")
	ensureSpace(pdf, chartSize)
	top := pdf.GetY()
	drawRadar(pdf, tr, data.Pillars, marginX+chartSize/2, top+chartSize/2, chartSize/2-40)
	pdf.SetY(top + chartSize + 10)

	for _, p := range data.Pillars {
		line(11, 14, fmt.Sprintf("%s: %d", p.Label, p.Total))
	}
	pdf.Ln(20)

	ensureSpace(pdf, 150)
	heading("Reading of your moment")
	pdf.SetFont("Helvetica", "", 11)
	pdf.MultiCell(0, 14, tr(data.Interpretation), "", "L", false)

	if data.Qualified {
		pdf.Ln(25)
		heading("Strategic invitation")
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 14, tr(data.Invitation), "", "L", false)
	}
	return pdf
}

// ensureSpace starts a new page when fewer than h points remain.
func ensureSpace(pdf *fpdf.Fpdf, h float64) {
	_, pageH := pdf.GetPageSize()
	if pdf.GetY()+h > pageH-marginBottom {
		pdf.AddPage()
	}
}

// radarPoint returns the position of value v on spoke i of n.
func radarPoint(cx, cy, radius float64, i, n int, v float64) fpdf.PointType {
	angle := 2*math.Pi*float64(i)/float64(n) - math.Pi/2
	r := radius * v / pillarMax
	return fpdf.PointType{X: cx + r*math.Cos(angle), Y: cy + r*math.Sin(angle)}
}

func drawRadar(pdf *fpdf.Fpdf, tr func(string) string, pillars []PillarScore, cx, cy, radius float64) {
	n := len(pillars)
	if n < 3 {
		return
	}

	pdf.SetLineWidth(0.5)
	pdf.SetDrawColor(200, 200, 200)
	for ring := scoring.QuestionsPerPillar; ring <= pillarMax; ring += scoring.QuestionsPerPillar {
		pts := make([]fpdf.PointType, n)
		for i := range pillars {
			pts[i] = radarPoint(cx, cy, radius, i, n, float64(ring))
		}
		pdf.Polygon(pts, "D")
	}

	pdf.SetFont("Helvetica", "", 7)
	pdf.SetTextColor(60, 60, 60)
	for i, p := range pillars {
		end := radarPoint(cx, cy, radius, i, n, pillarMax)
		pdf.Line(cx, cy, end.X, end.Y)

		label := tr(p.Label)
		at := radarPoint(cx, cy, radius+14, i, n, pillarMax)
		w := pdf.GetStringWidth(label)
		x := at.X - w/2
		if at.X > cx+1 {
			x = at.X - 4
		} else if at.X < cx-1 {
			x = at.X - w + 4
		}
		pdf.Text(x, at.Y+3, label)
	}
	pdf.SetTextColor(0, 0, 0)

	values := make([]fpdf.PointType, n)
	for i, p := range pillars {
		v := math.Min(float64(p.Total), pillarMax)
		values[i] = radarPoint(cx, cy, radius, i, n, v)
	}
	pdf.SetFillColor(31, 119, 180)
	pdf.SetAlpha(0.25, "Normal")
	pdf.Polygon(values, "F")
	pdf.SetAlpha(1, "Normal")
	pdf.SetDrawColor(31, 119, 180)
	pdf.SetLineWidth(2)
	pdf.Polygon(values, "D")
	pdf.SetLineWidth(0.5)
	pdf.SetDrawColor(0, 0, 0)
}
