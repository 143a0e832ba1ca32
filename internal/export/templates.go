package export

import (
	"bytes"
	"fmt"
	"html/template"
)

var planTemplate = template.Must(template.New("plan").Funcs(template.FuncMap{
	"amount": func(a Amount) string {
		if a.AM == 0 && a.PM == 0 {
			return "–"
		}
		return fmt.Sprintf("%g / %g", a.AM, a.PM)
	},
}).Parse(planTemplateHTML))

const planTemplateHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.BoardName}}</title>
<style>
  body { font-family: -apple-system, "Segoe UI", Helvetica, Arial, sans-serif; color: #1a1a1a; }
  h1 { font-size: 20px; margin-bottom: 2px; }
  .meta { color: #666; font-size: 11px; margin-bottom: 16px; }
  table { border-collapse: collapse; width: 100%; font-size: 12px; }
  th, td { border: 1px solid #bbb; padding: 6px 8px; text-align: center; }
  th { background: #f2f2f2; }
  td.horse { text-align: left; font-weight: 600; }
  .note { display: block; font-weight: 400; font-size: 10px; color: #a33; }
  @page { size: letter landscape; }
</style>
</head>
<body>
<h1>{{.BoardName}}</h1>
<div class="meta">Feeding plan · mode {{.TimeMode}} · printed {{.GeneratedAt.Format "2 Jan 2006 15:04"}} · AM / PM</div>
<table>
  <tr>
    <th>Horse</th>
    {{range .Feeds}}<th>{{.}}</th>{{end}}
  </tr>
  {{range .Horses}}
  <tr>
    <td class="horse">{{.Name}}{{if .Note}}<span class="note">{{.Note}}</span>{{end}}</td>
    {{range .Amounts}}<td>{{amount .}}</td>{{end}}
  </tr>
  {{end}}
</table>
</body>
</html>`

// RenderHTML produces the printable HTML for a plan.
func RenderHTML(plan Plan) (string, error) {
	var buf bytes.Buffer
	if err := planTemplate.Execute(&buf, plan); err != nil {
		return "", fmt.Errorf("render feeding plan: %w", err)
	}
	return buf.String(), nil
}
