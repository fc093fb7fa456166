// Package integrity runs scheduled full-chain verification of the audit
// ledger and escalates failures to operators.
package integrity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jmerrifield20/coldchain-ledger/internal/auditledger"
	"github.com/jmerrifield20/coldchain-ledger/internal/notify"
)

// ServiceName is the gRPC health service name reflecting chain integrity.
const ServiceName = "auditledger"

// Config holds integrity job configuration.
type Config struct {
	// Schedule is a cron spec or descriptor such as "@daily".
	Schedule string
	// OnStart runs one verification as soon as Start is called.
	OnStart bool
	// RunTimeout bounds a single verification run.
	RunTimeout time.Duration
	// MaxAlertFindings caps how many findings are listed in an alert.
	MaxAlertFindings int
}

// Verifier is the part of the ledger the checker needs.
type Verifier interface {
	Verify(ctx context.Context, opts auditledger.VerifyOptions) (*auditledger.VerificationResult, error)
}

// Report describes one completed run.
type Report struct {
	RunID      string                          `json:"run_id"`
	StartedAt  time.Time                       `json:"started_at"`
	FinishedAt time.Time                       `json:"finished_at"`
	Result     *auditledger.VerificationResult `json:"result,omitempty"`
	Error      string                          `json:"error,omitempty"`
}

// Healthy reports whether the run completed and found the chain intact.
func (r *Report) Healthy() bool {
	return r != nil && r.Error == "" && r.Result != nil && r.Result.Valid
}

// Checker verifies the chain on a schedule.
type Checker struct {
	ledger   Verifier
	notifier notify.Notifier
	health   *health.Server
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex // serialises runs
	last *Report
	lmu  sync.RWMutex
}

// New creates a Checker. health may be nil when no gRPC server is exposed.
func New(ledger Verifier, notifier notify.Notifier, hs *health.Server, cfg Config, logger *zap.Logger) *Checker {
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	if cfg.MaxAlertFindings == 0 {
		cfg.MaxAlertFindings = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Checker{
		ledger:   ledger,
		notifier: notifier,
		health:   hs,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Last returns the most recent report, or nil before the first run.
func (c *Checker) Last() *Report {
	c.lmu.RLock()
	defer c.lmu.RUnlock()
	return c.last
}

// RunOnce verifies the whole chain, updates metrics and health status, and
// alerts operators when verification fails or cannot complete.
func (c *Checker) RunOnce(ctx context.Context) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	rep := &Report{RunID: uuid.New().String(), StartedAt: c.now().UTC()}
	log := c.logger.With(zap.String("run_id", rep.RunID))

	res, err := c.ledger.Verify(ctx, auditledger.VerifyOptions{})
	rep.FinishedAt = c.now().UTC()
	integrityLastRunTimestamp.Set(float64(rep.FinishedAt.Unix()))

	switch {
	case err != nil:
		rep.Error = err.Error()
		integrityRunsTotal.WithLabelValues("error").Inc()
		log.Error("integrity check could not complete", zap.Error(err))
		c.setStatus(healthpb.HealthCheckResponse_UNKNOWN)
		c.alert(ctx, rep, notify.Alert{
			Severity: notify.SeverityWarning,
			Subject:  "audit chain integrity check could not complete",
			Body:     err.Error(),
		})

	case !res.Valid:
		rep.Result = res
		integrityRunsTotal.WithLabelValues("invalid").Inc()
		integrityLastValid.Set(0)
		integrityLastFindings.Set(float64(len(res.Errors)))
		log.Error("integrity check FAILED",
			zap.Int("checked", res.Checked),
			zap.Int("findings", len(res.Errors)),
		)
		c.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		c.alert(ctx, rep, notify.Alert{
			Severity: notify.SeverityCritical,
			Subject:  "audit chain integrity check FAILED",
			Body:     c.describeFindings(res),
			Fields: map[string]string{
				"checked":            strconv.Itoa(res.Checked),
				"findings":           strconv.Itoa(len(res.Errors)),
				"first_bad_sequence": strconv.FormatUint(res.Errors[0].Sequence, 10),
				"algorithm":          res.Algorithm,
			},
		})

	default:
		rep.Result = res
		integrityRunsTotal.WithLabelValues("valid").Inc()
		integrityLastValid.Set(1)
		integrityLastFindings.Set(0)
		log.Info("integrity check passed",
			zap.Int("checked", res.Checked),
			zap.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
		)
		c.setStatus(healthpb.HealthCheckResponse_SERVING)
	}

	c.lmu.Lock()
	c.last = rep
	c.lmu.Unlock()
	return rep
}

// Start schedules RunOnce on the configured cron spec until ctx is done.
// It returns once the schedule is installed.
func (c *Checker) Start(ctx context.Context) error {
	sched := cron.New(cron.WithChain(
		cron.Recover(cronLogger{c.logger}),
		cron.SkipIfStillRunning(cronLogger{c.logger}),
	))
	if _, err := sched.AddFunc(c.cfg.Schedule, func() { c.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule integrity check %q: %w", c.cfg.Schedule, err)
	}

	if c.cfg.OnStart {
		go c.RunOnce(ctx)
	}
	sched.Start()
	c.logger.Info("integrity check scheduled", zap.String("schedule", c.cfg.Schedule))

	go func() {
		<-ctx.Done()
		<-sched.Stop().Done()
		c.logger.Info("integrity scheduler stopped")
	}()
	return nil
}

func (c *Checker) setStatus(s healthpb.HealthCheckResponse_ServingStatus) {
	if c.health != nil {
		c.health.SetServingStatus(ServiceName, s)
	}
}

func (c *Checker) alert(ctx context.Context, rep *Report, a notify.Alert) {
	a.RaisedAt = rep.FinishedAt
	if a.Fields == nil {
		a.Fields = map[string]string{}
	}
	a.Fields["run_id"] = rep.RunID
	if err := c.notifier.Notify(ctx, a); err != nil {
		integrityAlertFailuresTotal.Inc()
		c.logger.Error("integrity alert delivery failed (non-fatal)",
			zap.String("run_id", rep.RunID),
			zap.Error(err),
		)
	}
}

func (c *Checker) describeFindings(res *auditledger.VerificationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d checked records failed verification (%s).\n\n",
		len(res.Errors), res.Checked, res.Algorithm)
	for i, e := range res.Errors {
		if i == c.cfg.MaxAlertFindings {
			fmt.Fprintf(&b, "... and %d more\n", len(res.Errors)-i)
			break
		}
		fmt.Fprintf(&b, "sequence %d: %s (expected %q, stored %q)", e.Sequence, e.Kind, e.Expected, e.Actual)
		if e.Detail != "" {
			fmt.Fprintf(&b, " %s", e.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.Logger }

func (z cronLogger) Info(msg string, keysAndValues ...any) {
	z.l.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (z cronLogger) Error(err error, msg string, keysAndValues ...any) {
	z.l.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
