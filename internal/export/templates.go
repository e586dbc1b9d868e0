package export

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// ReportData holds data for agreement report rendering
type ReportData struct {
	ThreadTitle   string
	ThreadID      string
	TaskName      string
	GeneratedAt   time.Time
	Pairs         []ReportPair
	Disagreements []ReportDisagreement
}

// ReportPair holds one annotator pair's scores for the template
type ReportPair struct {
	UserA       string
	UserB       string
	SharedPosts int
	Agreements  int
	Percent     float64
	Kappa       float64
}

// ReportDisagreement holds one unresolved disagreement for the template
type ReportDisagreement struct {
	PostID string
	Labels []ReportLabel
}

// ReportLabel is one annotator's code label on a disputed post
type ReportLabel struct {
	User  string
	Label string
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": func(v float64) string {
		return fmt.Sprintf("%.1f%%", v*100)
	},
	"num": func(v float64) string {
		return fmt.Sprintf("%.3f", v)
	},
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(reportTemplateHTML))

// RenderReportHTML renders the agreement report template with provided data
func RenderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Agreement report: {{.ThreadTitle}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { border-collapse: collapse; width: 100%; margin: 1rem 0; }
    th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; }
    th { background: #f5f5f5; }
    .disagreement { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .label { font-family: monospace; }
  </style>
</head>
<body>
  <h1>Agreement report: {{.ThreadTitle}}</h1>
  <div class="meta">Task: {{.TaskName}} | Thread: {{.ThreadID}} | Generated {{formatDate .GeneratedAt "Jan 2, 2006 15:04"}}</div>

  <h2>Pairwise agreement</h2>
  {{if .Pairs}}
  <table>
    <tr><th>Annotator A</th><th>Annotator B</th><th>Shared posts</th><th>Agreements</th><th>Percent</th><th>Cohen's &kappa;</th></tr>
    {{range .Pairs}}
    <tr>
      <td>{{.UserA}}</td>
      <td>{{.UserB}}</td>
      <td>{{.SharedPosts}}</td>
      <td>{{.Agreements}}</td>
      <td>{{pct .Percent}}</td>
      <td>{{num .Kappa}}</td>
    </tr>
    {{end}}
  </table>
  {{else}}
  <p>No annotator pair has coded this thread yet.</p>
  {{end}}

  <h2>Unresolved disagreements</h2>
  {{if .Disagreements}}
  {{range .Disagreements}}
  <div class="disagreement">
    <p><strong>Post {{.PostID}}</strong></p>
    <ul>
      {{range .Labels}}<li>{{.User}}: <span class="label">{{.Label}}</span></li>{{end}}
    </ul>
  </div>
  {{end}}
  {{else}}
  <p>No unresolved disagreements.</p>
  {{end}}
</body>
</html>`
