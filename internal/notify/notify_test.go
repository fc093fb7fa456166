package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func sampleAlert() Alert {
	return Alert{
		Severity: SeverityCritical,
		Subject:  "audit chain integrity check failed",
		Body:     "2 findings",
		Fields:   map[string]string{"run_id": "r-1", "first_bad_sequence": "17"},
		RaisedAt: time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC),
	}
}

func TestAlert_Text(t *testing.T) {
	got := sampleAlert().Text()
	want := "[CRITICAL] audit chain integrity check failed\n" +
		"raised at: 2026-04-01T03:00:00Z\n" +
		"\n2 findings\n" +
		"\nfirst_bad_sequence: 17\nrun_id: r-1\n"
	assert.Equal(t, want, got)
}

func TestLogNotifier_logsAtSeverity(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), sampleAlert()))
	warn := sampleAlert()
	warn.Severity = SeverityWarning
	require.NoError(t, n.Notify(context.Background(), warn))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "17", entries[0].ContextMap()["first_bad_sequence"])
}

func TestSMTPNotifier_message(t *testing.T) {
	s := NewSMTPNotifier("mail.example", 587, "", "", "ledger@example", []string{"ops@example", "qa@example"})
	a := sampleAlert()
	a.Subject = "line one\r\nBcc: attacker@example"

	msg := string(s.message(a))
	headers, body, ok := strings.Cut(msg, "\r\n\r\n")
	require.True(t, ok)

	assert.Contains(t, headers, "To: ops@example, qa@example")
	assert.NotContains(t, headers, "\r\nBcc:")
	assert.Contains(t, body, "first_bad_sequence: 17\r\n")
}

func TestSMTPNotifier_requiresRecipients(t *testing.T) {
	s := NewSMTPNotifier("mail.example", 587, "", "", "ledger@example", nil)
	assert.Error(t, s.Notify(context.Background(), sampleAlert()))
}
