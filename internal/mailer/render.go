package mailer

import (
	"bytes"
	"html/template"
	"strings"

	"deadlinenotifier/internal/deadline"
)

const SubjectBase = "Deadline Approaching: "

var bodyTmpl = template.Must(template.New("deadline").Parse(
	`<h3>{{.Title}}</h3>
<p>Deadline in <b>{{.Days}} day(s)</b></p>
<p>Organization: {{.Organization}}</p>
`))

// Renderer builds the reminder for one (opportunity, threshold) pair.
// Prefix is prepended to the subject verbatim (e.g. "⏳ ").
type Renderer struct {
	Prefix string
}

func (r Renderer) Subject(opp deadline.Opportunity) string {
	return r.Prefix + SubjectBase + strings.TrimSpace(opp.Title)
}

// Body returns the HTML body. Fields are escaped.
func (r Renderer) Body(opp deadline.Opportunity, threshold int) (string, error) {
	var buf bytes.Buffer
	err := bodyTmpl.Execute(&buf, struct {
		Title        string
		Organization string
		Days         int
	}{strings.TrimSpace(opp.Title), strings.TrimSpace(opp.Organization), threshold})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Render is Subject and Body together.
func (r Renderer) Render(opp deadline.Opportunity, threshold int) (subject, body string, err error) {
	body, err = r.Body(opp, threshold)
	if err != nil {
		return "", "", err
	}
	return r.Subject(opp), body, nil
}
