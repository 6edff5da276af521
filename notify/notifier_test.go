package notify

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"sitewatch/config"
	"sitewatch/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int
	calls    []string
	messages [][]byte
}

func (f *fakeSender) send(addr, from string, to []string, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, addr)
	f.messages = append(f.messages, msg)
	if len(f.calls) <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testNotifyConfig() config.NotifyConfig {
	return config.NotifyConfig{
		Enabled:      true,
		SMTPHost:     "mail.local",
		SMTPPort:     25,
		FromAddress:  "sitewatch@local",
		ToAddresses:  []string{"astreinte@local"},
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
}

func newTestNotifier(cfg config.NotifyConfig, sender *fakeSender) *EmailNotifier {
	n := NewEmailNotifier(cfg, zap.NewNop().Sugar())
	n.send = sender.send
	return n
}

func testHit() (*core.Rule, *core.AlertHit) {
	rule := &core.Rule{ID: "r1", Name: "Intrusion nocturne"}
	hit := &core.AlertHit{
		ID:           "h1",
		RuleID:       "r1",
		RuleName:     rule.Name,
		EventID:      "e1",
		SiteCode:     "LYO",
		MatchedAt:    time.Date(2026, 6, 9, 23, 15, 0, 0, time.UTC),
		Explanations: []string{"Rule TRIGGERED"},
	}
	return rule, hit
}

func TestDeliverFirstAttempt(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(testNotifyConfig(), sender)
	rule, hit := testHit()

	n.deliver(rule, hit)

	require.Equal(t, 1, sender.callCount())
	assert.Equal(t, "mail.local:25", sender.calls[0])
	body := string(sender.messages[0])
	assert.Contains(t, body, "Intrusion nocturne")
	assert.Contains(t, body, "LYO")
	assert.Contains(t, body, "Subject: [sitewatch] Alerte")
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	sender := &fakeSender{failures: 2}
	n := newTestNotifier(testNotifyConfig(), sender)
	rule, hit := testHit()

	n.deliver(rule, hit)

	assert.Equal(t, 3, sender.callCount())
}

func TestDeliverGivesUpAfterMaxRetries(t *testing.T) {
	sender := &fakeSender{failures: 100}
	n := newTestNotifier(testNotifyConfig(), sender)
	rule, hit := testHit()

	n.deliver(rule, hit)

	assert.Equal(t, 3, sender.callCount(), "stops at max_retries")
}

func TestNotifyHitDisabled(t *testing.T) {
	cfg := testNotifyConfig()
	cfg.Enabled = false
	sender := &fakeSender{}
	n := newTestNotifier(cfg, sender)
	rule, hit := testHit()

	n.NotifyHit(rule, hit)
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, sender.callCount())
}

func TestNotifyHitNoRecipients(t *testing.T) {
	cfg := testNotifyConfig()
	cfg.ToAddresses = nil
	sender := &fakeSender{}
	n := newTestNotifier(cfg, sender)
	rule, hit := testHit()

	n.NotifyHit(rule, hit)
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, sender.callCount())
}

func TestHTMLEscaping(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(testNotifyConfig(), sender)
	rule := &core.Rule{ID: "r1", Name: `<script>alert("x")</script>`}
	_, hit := testHit()

	n.deliver(rule, hit)

	require.Equal(t, 1, sender.callCount())
	msg := string(sender.messages[0])
	assert.NotContains(t, msg, "<script>")
	assert.Contains(t, msg, "&lt;script&gt;", "the template escapes body fields once")
	assert.NotContains(t, msg, "&amp;lt;", "no double escaping")
}

func TestSubjectHeaderInjection(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(testNotifyConfig(), sender)
	rule := &core.Rule{ID: "r1", Name: "Alerte\r\nBcc: attacker@evil"}
	_, hit := testHit()

	n.deliver(rule, hit)

	require.Equal(t, 1, sender.callCount())
	msg := string(sender.messages[0])
	end := strings.Index(msg, "\r\n\r\n")
	require.Greater(t, end, 0)
	headers := msg[:end]
	for _, line := range strings.Split(headers, "\r\n") {
		assert.False(t, strings.HasPrefix(line, "Bcc:"),
			"CRLF in a rule name must not forge headers")
	}
	assert.NotContains(t, headers, "<")
}
