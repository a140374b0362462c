package report

import (
	"html/template"
	"io"
	"time"

	"github.com/vnmchuo/tokenspy/internal/ledger"
)

var page = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": percentOf,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>tokenspy cost report</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; margin: 2rem; color: #1f2328; }
table { border-collapse: collapse; margin-bottom: 2rem; min-width: 40rem; }
th, td { padding: .35rem .75rem; text-align: left; border-bottom: 1px solid #d0d7de; }
td.num { text-align: right; font-variant-numeric: tabular-nums; }
.bar { background: #e8590c; height: .8rem; }
</style>
</head>
<body>
<h1>tokenspy cost report</h1>
<p>Generated {{.Generated}}</p>
<p><strong>Total: ${{printf "%.4f" .Summary.TotalCostUSD}}</strong> | {{.Summary.TotalTokens}} tokens | {{.Summary.TotalCalls}} calls</p>
{{range .Sections}}{{template "shares" .}}{{end}}
</body>
</html>
{{define "shares"}}
<h2>{{.Title}}</h2>
<table>
<tr><th>Name</th><th>Cost</th><th>Share</th><th></th></tr>
{{- $total := .Total}}
{{- range .Shares}}
<tr><td>{{.Key}}</td><td class="num">${{printf "%.4f" .CostUSD}}</td><td class="num">{{printf "%.1f" (pct .CostUSD $total)}}%</td><td><div class="bar" style="width: {{printf "%.0f" (pct .CostUSD $total)}}px"></div></td></tr>
{{- else}}
<tr><td colspan="4">No calls recorded.</td></tr>
{{- end}}
</table>
{{end}}`))

type section struct {
	Title  string
	Shares []ledger.Share
	Total  float64
}

type pageData struct {
	Generated string
	Summary   ledger.Summary
	Sections  []section
}

// HTML writes a self-contained HTML page for summary.
func HTML(w io.Writer, s ledger.Summary) error {
	return page.Execute(w, pageData{
		Generated: time.Now().Format(time.RFC1123),
		Summary:   s,
		Sections: []section{
			{Title: "By function", Shares: s.ByFunction, Total: s.TotalCostUSD},
			{Title: "By model", Shares: s.ByModel, Total: s.TotalCostUSD},
		},
	})
}
