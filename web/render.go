package web

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"szakszon.com/divratio"
	"szakszon.com/divratio/session"
)

type pageView struct {
	Ticker    string
	Results   *resultsView
	Benchmark *benchmarkView
	Recent    []*recentView
}

type resultsView struct {
	Symbol  string
	Failure *failureView
	Rows    []*rowView
	Skipped []*skipView
}

type failureView struct {
	Kind     string
	Headline string
	Message  string
}

type rowView struct {
	Date     string
	Dividend string
	Price    string
	Ratio    string
}

type skipView struct {
	Date     string
	Dividend string
	Reason   string
}

type benchmarkView struct {
	Name      string
	Yield     string
	Ratio     string
	Timestamp string
}

type recentView struct {
	Symbol     string
	Calculated string
	Rows       int
	Skipped    int
}

func newResultsView(st *session.State) *resultsView {
	v := &resultsView{
		Rows: make([]*rowView, 0),
	}
	if st == nil || st.Outcome == nil {
		return v
	}

	o := st.Outcome
	if o.Failed() {
		v.Failure = &failureView{
			Kind:     string(o.Failure.Kind),
			Headline: failureHeadline(o.Failure.Kind, st.Ticker),
			Message:  o.Failure.Message,
		}
		return v
	}

	if o.Result == nil {
		return v
	}

	p := message.NewPrinter(language.English)

	v.Symbol = o.Result.Symbol
	for _, r := range o.Result.Rows {
		v.Rows = append(v.Rows, &rowView{
			Date:     r.Date.Format(divratio.DateFormat),
			Dividend: p.Sprintf("%v", r.Dividend),
			Price:    p.Sprintf("%.2f", r.Price),
			Ratio:    p.Sprintf("%.2f", r.Ratio),
		})
	}
	for _, s := range o.Result.Skipped {
		v.Skipped = append(v.Skipped, &skipView{
			Date:     s.Date.Format(divratio.DateFormat),
			Dividend: p.Sprintf("%v", s.Dividend),
			Reason:   skipReason(s.Reason),
		})
	}
	return v
}

func failureHeadline(kind divratio.ErrorKind, ticker string) string {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	switch kind {
	case divratio.KindNotFound:
		return fmt.Sprintf("Symbol %v was not found.", ticker)
	case divratio.KindMalformed:
		return "The market data provider sent an unreadable response."
	case divratio.KindCanceled:
		return "The request was canceled or timed out."
	default:
		return "The market data provider is not available."
	}
}

func skipReason(r divratio.SkipReason) string {
	switch r {
	case divratio.SkipNoPrice:
		return "no price on that day"
	case divratio.SkipNonPositiveDividend:
		return "dividend is not positive"
	default:
		return string(r)
	}
}

func newBenchmarkView(b divratio.Benchmark) *benchmarkView {
	p := message.NewPrinter(language.English)
	return &benchmarkView{
		Name:      b.Name,
		Yield:     p.Sprintf("%.2f", b.Yield),
		Ratio:     p.Sprintf("%.2f", b.Ratio()),
		Timestamp: b.Timestamp,
	}
}

func newRecentViews(searches []*divratio.Search) []*recentView {
	vs := make([]*recentView, 0, len(searches))
	for _, s := range searches {
		vs = append(vs, &recentView{
			Symbol:     s.Symbol,
			Calculated: s.Calculated.UTC().Format("2006-01-02 15:04"),
			Rows:       s.Rows,
			Skipped:    s.Skipped,
		})
	}
	return vs
}

func renderResults(st *session.State) (string, error) {
	buf := &bytes.Buffer{}
	err := templates.ExecuteTemplate(buf, "results", newResultsView(st))
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderError renders a failed action in place of the results.
func renderError(err error) (string, error) {
	v := &resultsView{
		Failure: &failureView{
			Kind:     "error",
			Headline: "The search could not be completed.",
			Message:  err.Error(),
		},
		Rows: make([]*rowView, 0),
	}

	buf := &bytes.Buffer{}
	err = templates.ExecuteTemplate(buf, "results", v)
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderPage(w io.Writer, v *pageView) error {
	return templates.ExecuteTemplate(w, "page", v)
}

var templates = template.Must(template.New("page").Parse(pageTmpl))

func init() {
	template.Must(templates.New("results").Parse(resultsTmpl))
}

const pageTmpl = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Stock Dividend Evaluation</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
th, td { padding: 0.25em 0.75em; text-align: right; border-bottom: 1px solid #ddd; }
th:first-child, td:first-child { text-align: left; }
.failure { color: #8a1f11; background: #fbe3e4; padding: 0.5em; }
.skipped { color: #555; }
</style>
</head>
<body>
<h1>Stock Dividend Evaluation</h1>
<form id="search" method="post" action="/search">
<input type="text" id="ticker" name="ticker" placeholder="AAPL" value="{{.Ticker}}">
<button type="submit" id="search-button">Search</button>
</form>
<div id="results">{{template "results" .Results}}</div>
{{with .Benchmark}}<p id="benchmark">{{.Name}} dividend yield {{.Yield}}%, price/dividend ratio {{.Ratio}}{{if .Timestamp}} ({{.Timestamp}}){{end}}</p>{{end}}
{{if .Recent}}<h2>Recent searches</h2>
<ul id="recent">
{{range .Recent}}<li><span class="symbol">{{.Symbol}}</span> {{.Calculated}}: {{.Rows}} rows{{if .Skipped}}, {{.Skipped}} skipped{{end}}</li>
{{end}}</ul>{{end}}
<script>
(function () {
  if (!window.WebSocket) { return; }
  var form = document.getElementById("search");
  var results = document.getElementById("results");
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/ws");
  var open = false;
  ws.onopen = function () { open = true; };
  ws.onclose = function () { open = false; };
  ws.onmessage = function (e) {
    var m = JSON.parse(e.data);
    if (m.html) {
      results.innerHTML = m.html;
    } else if (m.type === "error") {
      results.textContent = m.error;
    }
  };
  form.addEventListener("submit", function (e) {
    if (!open) { return; }
    e.preventDefault();
    ws.send(JSON.stringify({
      type: "search",
      ticker: document.getElementById("ticker").value
    }));
  });
})();
</script>
</body>
</html>
`

const resultsTmpl = `{{with .Failure}}<div class="failure" data-kind="{{.Kind}}"><strong>{{.Headline}}</strong> {{.Message}}</div>{{end}}
<table id="ratios">
<thead><tr><th>Date</th><th>Dividend</th><th>Price</th><th>Price/Dividend ratio</th></tr></thead>
<tbody>
{{range .Rows}}<tr><td>{{.Date}}</td><td>{{.Dividend}}</td><td>{{.Price}}</td><td>{{.Ratio}}</td></tr>
{{end}}</tbody>
</table>
{{if .Skipped}}<p class="skipped">Skipped dividends:
{{range $i, $s := .Skipped}}{{if $i}}, {{end}}<span>{{$s.Date}} {{$s.Dividend}} ({{$s.Reason}})</span>{{end}}
</p>{{end}}`
