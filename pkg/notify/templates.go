package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

type RiskStopData struct {
	UserName     string
	Strategy     string
	StopTime     time.Time
	StopLosses   int
	DashboardURL string
}

var riskStopTemplate = template.Must(template.New("risk_stop").Parse(`<html>
<body>
<p>Hello {{.UserName}},</p>
<p>Strategy <b>{{.Strategy}}</b> was stopped by the risk agent at {{.StopTime.Format "2006-01-02 15:04:05 MST"}}
after {{.StopLosses}} stop-losses. It will stay halted until it is resumed manually.</p>
{{if .DashboardURL}}<p><a href="{{.DashboardURL}}">Open dashboard</a></p>{{end}}
<p>{{.StopTime.Format "2006-01-02"}}</p>
</body>
</html>`))

// RiskStopAlert renders the halt notice for one account's recipients.
func RiskStopAlert(data RiskStopData, to []string) (Alert, error) {
	var buf bytes.Buffer
	if err := riskStopTemplate.Execute(&buf, data); err != nil {
		return Alert{}, fmt.Errorf("render risk stop alert: %w", err)
	}
	return Alert{
		Subject: fmt.Sprintf("[perpmartin] %s stopped by risk agent", data.Strategy),
		Body:    buf.String(),
		To:      to,
		HTML:    true,
	}, nil
}
