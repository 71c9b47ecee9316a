package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/harmonyhoard/conductor/internal/database"
	"github.com/harmonyhoard/conductor/internal/models"
)

// ArtistReport summarizes download outcomes for one artist.
type ArtistReport struct {
	Artist          string     `json:"artist"`
	Albums          int        `json:"albums"`
	Completed       int        `json:"completed"`
	Warning         int        `json:"warning"`
	Failed          int        `json:"failed"`
	Cancelled       int        `json:"cancelled"`
	InFlight        int        `json:"in_flight"`
	CompletedTracks int        `json:"completed_tracks"`
	FailedTracks    int        `json:"failed_tracks"`
	SuccessPct      float64    `json:"success_pct"`
	LastCompleted   *time.Time `json:"last_completed,omitempty"`
}

// ReportSummary rolls the per-artist reports up into library totals.
type ReportSummary struct {
	TotalArtists   int     `json:"total_artists"`
	TotalAlbums    int     `json:"total_albums"`
	TotalCompleted int     `json:"total_completed"`
	TotalFailed    int     `json:"total_failed"`
	TotalTracks    int     `json:"total_tracks"`
	OverallSuccess float64 `json:"overall_success_pct"`
	GeneratedAt    string  `json:"generated_at"`
}

func main() {
	var (
		dbPath     = flag.String("db", "./data/conductor.db", "Path to the history database")
		format     = flag.String("format", "terminal", "Output format: terminal, html, json")
		sortBy     = flag.String("sort", "artist", "Sort by: artist, completed, failed")
		artistName = flag.String("artist", "", "Only report artists matching this substring")
		outputFile = flag.String("output", "", "Output file (default: stdout)")
	)
	flag.Parse()

	db, err := database.Initialize(*dbPath)
	if err != nil {
		log.Fatal("Error opening history database: ", err)
	}
	defer db.Close()

	tasks, err := database.NewHistoryRepo(db).ListAll()
	if err != nil {
		log.Fatal("Error loading download history: ", err)
	}
	log.Printf("Loaded %d task records from %s", len(tasks), *dbPath)

	reports, summary := buildReports(tasks, *artistName)
	sortReports(reports, *sortBy)

	var out string
	switch *format {
	case "terminal":
		out = renderTerminal(reports, summary)
	case "html":
		out = renderHTML(reports, summary)
	case "json":
		data, err := json.MarshalIndent(map[string]interface{}{
			"summary": summary,
			"artists": reports,
		}, "", "  ")
		if err != nil {
			log.Fatal("Error encoding report: ", err)
		}
		out = string(data)
	default:
		log.Fatalf("Unknown format: %s", *format)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, []byte(out), 0644); err != nil {
			log.Fatal("Error writing report: ", err)
		}
		log.Printf("Report written to %s", *outputFile)
		return
	}
	fmt.Print(out)
}

func buildReports(tasks []*models.DownloadTask, artistFilter string) ([]ArtistReport, ReportSummary) {
	byArtist := make(map[string]*ArtistReport)

	for _, t := range tasks {
		name := t.ArtistName
		if name == "" {
			name = "(unknown artist)"
		}
		if artistFilter != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(artistFilter)) {
			continue
		}

		r, ok := byArtist[name]
		if !ok {
			r = &ArtistReport{Artist: name}
			byArtist[name] = r
		}

		r.Albums++
		r.CompletedTracks += t.CompletedTracks
		r.FailedTracks += len(t.FailedTracks)

		switch t.Status {
		case models.TaskStatusCompleted:
			r.Completed++
			if t.CompletedAt != nil && (r.LastCompleted == nil || t.CompletedAt.After(*r.LastCompleted)) {
				completed := *t.CompletedAt
				r.LastCompleted = &completed
			}
		case models.TaskStatusWarning:
			r.Warning++
		case models.TaskStatusFailed:
			r.Failed++
		case models.TaskStatusCancelled:
			r.Cancelled++
		default:
			r.InFlight++
		}
	}

	var reports []ArtistReport
	var summary ReportSummary
	for _, r := range byArtist {
		done := r.Completed + r.Warning + r.Failed
		if done > 0 {
			r.SuccessPct = float64(r.Completed+r.Warning) / float64(done) * 100
		}
		reports = append(reports, *r)

		summary.TotalArtists++
		summary.TotalAlbums += r.Albums
		summary.TotalCompleted += r.Completed + r.Warning
		summary.TotalFailed += r.Failed
		summary.TotalTracks += r.CompletedTracks
	}
	if finished := summary.TotalCompleted + summary.TotalFailed; finished > 0 {
		summary.OverallSuccess = float64(summary.TotalCompleted) / float64(finished) * 100
	}
	summary.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	return reports, summary
}

func sortReports(reports []ArtistReport, sortBy string) {
	switch sortBy {
	case "completed":
		sort.Slice(reports, func(i, j int) bool { return reports[i].Completed > reports[j].Completed })
	case "failed":
		sort.Slice(reports, func(i, j int) bool { return reports[i].Failed > reports[j].Failed })
	default:
		sort.Slice(reports, func(i, j int) bool {
			return strings.ToLower(reports[i].Artist) < strings.ToLower(reports[j].Artist)
		})
	}
}

func renderTerminal(reports []ArtistReport, summary ReportSummary) string {
	var b strings.Builder

	b.WriteString("=== Download History Report ===\n")
	fmt.Fprintf(&b, "Artists: %d | Albums: %d | Completed: %d | Failed: %d | Tracks: %d\n",
		summary.TotalArtists, summary.TotalAlbums, summary.TotalCompleted,
		summary.TotalFailed, summary.TotalTracks)
	fmt.Fprintf(&b, "Overall success rate: %.1f%%\n\n", summary.OverallSuccess)

	fmt.Fprintf(&b, "%-30s %7s %10s %8s %7s %8s\n",
		"ARTIST", "ALBUMS", "COMPLETED", "WARNING", "FAILED", "SUCCESS")
	b.WriteString(strings.Repeat("-", 76) + "\n")

	for _, r := range reports {
		fmt.Fprintf(&b, "%-30s %7d %10d %8d %7d %7.1f%%\n",
			truncate(r.Artist, 30), r.Albums, r.Completed, r.Warning, r.Failed, r.SuccessPct)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
