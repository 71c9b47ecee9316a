package main

import (
	"fmt"
	"html"
	"strings"
)

func renderHTML(reports []ArtistReport, summary ReportSummary) string {
	var b strings.Builder

	b.WriteString(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Conductor Download Report</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
            background: #0f0f23;
            color: #e5e7eb;
            margin: 0;
            padding: 2rem;
        }
        h1 { font-weight: 600; }
        .summary {
            display: flex;
            gap: 1rem;
            flex-wrap: wrap;
            margin-bottom: 2rem;
        }
        .card {
            background: #1a1a2e;
            border: 1px solid rgba(255, 255, 255, 0.08);
            border-radius: 8px;
            padding: 1rem 1.5rem;
            min-width: 140px;
        }
        .card .value { font-size: 1.8rem; font-weight: 700; }
        .card .label { color: #9ca3af; font-size: 0.85rem; }
        table { border-collapse: collapse; width: 100%; }
        th, td {
            text-align: left;
            padding: 0.5rem 0.75rem;
            border-bottom: 1px solid rgba(255, 255, 255, 0.08);
        }
        th { color: #9ca3af; font-size: 0.8rem; text-transform: uppercase; }
        .num { text-align: right; }
        .ok { color: #22c55e; }
        .warn { color: #eab308; }
        .bad { color: #ef4444; }
        .footer { color: #9ca3af; font-size: 0.8rem; margin-top: 2rem; }
    </style>
</head>
<body>
    <h1>Download Report</h1>
    <div class="summary">
`)

	cards := []struct {
		value string
		label string
	}{
		{fmt.Sprintf("%d", summary.TotalArtists), "Artists"},
		{fmt.Sprintf("%d", summary.TotalAlbums), "Albums"},
		{fmt.Sprintf("%d", summary.TotalCompleted), "Completed"},
		{fmt.Sprintf("%d", summary.TotalFailed), "Failed"},
		{fmt.Sprintf("%d", summary.TotalTracks), "Tracks"},
		{fmt.Sprintf("%.1f%%", summary.OverallSuccess), "Success Rate"},
	}
	for _, c := range cards {
		fmt.Fprintf(&b, `        <div class="card"><div class="value">%s</div><div class="label">%s</div></div>
`, c.value, c.label)
	}

	b.WriteString(`    </div>
    <table>
        <thead>
            <tr>
                <th>Artist</th>
                <th class="num">Albums</th>
                <th class="num">Completed</th>
                <th class="num">Warning</th>
                <th class="num">Failed</th>
                <th class="num">Tracks</th>
                <th class="num">Success</th>
            </tr>
        </thead>
        <tbody>
`)

	for _, r := range reports {
		successClass := "ok"
		switch {
		case r.SuccessPct < 50:
			successClass = "bad"
		case r.SuccessPct < 90:
			successClass = "warn"
		}
		fmt.Fprintf(&b, `            <tr>
                <td>%s</td>
                <td class="num">%d</td>
                <td class="num ok">%d</td>
                <td class="num warn">%d</td>
                <td class="num bad">%d</td>
                <td class="num">%d</td>
                <td class="num %s">%.1f%%</td>
            </tr>
`, html.EscapeString(r.Artist), r.Albums, r.Completed, r.Warning, r.Failed,
			r.CompletedTracks, successClass, r.SuccessPct)
	}

	fmt.Fprintf(&b, `        </tbody>
    </table>
    <div class="footer">Generated %s</div>
</body>
</html>
`, html.EscapeString(summary.GeneratedAt))

	return b.String()
}
