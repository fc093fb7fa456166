// Package notify delivers operator alerts raised by the ledger's integrity job.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity Severity
	Subject  string
	Body     string
	// Fields are rendered as sorted "key: value" lines after the body.
	Fields   map[string]string
	RaisedAt time.Time
}

// Notifier delivers alerts to operators.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Text renders the alert as a plain-text message body.
func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(string(a.Severity)), a.Subject)
	if !a.RaisedAt.IsZero() {
		fmt.Fprintf(&b, "raised at: %s\n", a.RaisedAt.UTC().Format(time.RFC3339))
	}
	if a.Body != "" {
		b.WriteString("\n")
		b.WriteString(a.Body)
		if !strings.HasSuffix(a.Body, "\n") {
			b.WriteString("\n")
		}
	}
	if len(a.Fields) > 0 {
		keys := make([]string, 0, len(a.Fields))
		for k := range a.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, a.Fields[k])
		}
	}
	return b.String()
}
