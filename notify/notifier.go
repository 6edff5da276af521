package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"sitewatch/config"
	"sitewatch/core"
	"sitewatch/metrics"
	"go.uber.org/zap"
)

// sendFunc sends a raw mail message. Swappable in tests.
type sendFunc func(addr, from string, to []string, msg []byte) error

// EmailNotifier delivers alert emails over SMTP. Delivery happens on a
// background goroutine so the detection path never blocks on the mail
// server.
type EmailNotifier struct {
	cfg    config.NotifyConfig
	send   sendFunc
	logger *zap.SugaredLogger
}

func NewEmailNotifier(cfg config.NotifyConfig, logger *zap.SugaredLogger) *EmailNotifier {
	return &EmailNotifier{
		cfg: cfg,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
		logger: logger,
	}
}

// NotifyHit queues an email for a triggered rule and returns
// immediately.
func (n *EmailNotifier) NotifyHit(rule *core.Rule, hit *core.AlertHit) {
	if !n.cfg.Enabled || len(n.cfg.ToAddresses) == 0 {
		return
	}
	go n.deliver(rule, hit)
}

// deliver retries with doubling backoff until MaxRetries is exhausted.
func (n *EmailNotifier) deliver(rule *core.Rule, hit *core.AlertHit) {
	msg := n.buildMessage(rule, hit)
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	retries := n.cfg.MaxRetries
	if retries < 1 {
		retries = 1
	}
	backoff := n.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		err = n.send(addr, n.cfg.FromAddress, n.cfg.ToAddresses, msg)
		if err == nil {
			n.logger.Infow("Sent alert email",
				"rule_id", rule.ID,
				"hit_id", hit.ID,
				"recipients", len(n.cfg.ToAddresses))
			return
		}
		n.logger.Warnw("Alert email delivery failed",
			"rule_id", rule.ID,
			"attempt", attempt,
			"error", err)
		if attempt < retries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	metrics.NotificationFailures.Inc()
	n.logger.Errorw("Giving up on alert email",
		"rule_id", rule.ID,
		"hit_id", hit.ID,
		"error", err)
}

var emailTemplate = template.Must(template.New("hit").Parse(`
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="border-left: 4px solid #f44336; padding: 15px; background: #f9f9f9;">
    <h2>Alerte: {{.RuleName}}</h2>
    <p><b>Site:</b> {{.SiteCode}}</p>
    <p><b>Horodatage:</b> {{.MatchedAt}}</p>
    <p><b>Evenement:</b> <code>{{.EventID}}</code></p>
    {{if .Details}}<ul>{{range .Details}}<li>{{.}}</li>{{end}}</ul>{{end}}
  </div>
</body>
</html>
`))

// headerSanitizer strips what could smuggle extra headers or markup
// into the Subject line. Body fields need no treatment: the template
// escapes them.
var headerSanitizer = strings.NewReplacer("\r", " ", "\n", " ", "<", "", ">", "")

func (n *EmailNotifier) buildMessage(rule *core.Rule, hit *core.AlertHit) []byte {
	data := struct {
		RuleName  string
		SiteCode  string
		MatchedAt string
		EventID   string
		Details   []string
	}{
		RuleName:  rule.Name,
		SiteCode:  hit.SiteCode,
		MatchedAt: hit.MatchedAt.Format(time.RFC3339),
		EventID:   hit.EventID,
		Details:   hit.Explanations,
	}

	var body bytes.Buffer
	if err := emailTemplate.Execute(&body, data); err != nil {
		n.logger.Errorw("Failed to render alert email", "error", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.FromAddress)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.cfg.ToAddresses, ", "))
	fmt.Fprintf(&msg, "Subject: [sitewatch] Alerte %s (%s)\r\n",
		headerSanitizer.Replace(rule.Name), headerSanitizer.Replace(hit.SiteCode))
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes()
}
