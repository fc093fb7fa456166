package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/coldchain-ledger/internal/access"
	"github.com/jmerrifield20/coldchain-ledger/internal/auditledger"
	"github.com/jmerrifield20/coldchain-ledger/internal/bootstrap"
	"github.com/jmerrifield20/coldchain-ledger/internal/compliance"
	"github.com/jmerrifield20/coldchain-ledger/internal/config"
	"github.com/jmerrifield20/coldchain-ledger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	verbose   bool
	format    string
	serverURL string
	apiToken  string

	cfg    *config.Config
	logger = zap.NewNop()
)

// errChainInvalid makes verify exit non-zero without cobra printing usage.
var errChainInvalid = errors.New("audit chain failed verification")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "auditctl",
	Short: "Operator CLI for the cold-chain audit ledger",
	Long: `auditctl talks directly to the audit ledger's store.

It reads the same configuration as ledgerd (ledgerd.yaml in ./configs or .,
overridden by environment variables such as DATABASE_URL) and can verify the
hash chain, browse and export records, append events and mint API tokens.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			logger = l
		}
		v := config.New("ledgerd")
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if cfgFile != "" || !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
		c, err := config.FromViper(v)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./configs/ledgerd.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log store activity to stderr")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL; verify and record go through the API instead of the store")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("AUDIT_TOKEN"), "Bearer token for --server (default $AUDIT_TOKEN)")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// apiClient returns the SDK client for --server.
func apiClient() (*client.Client, error) {
	var opts []client.Option
	if apiToken != "" {
		opts = append(opts, client.WithBearerToken(apiToken))
	}
	return client.New(serverURL, opts...)
}

// withLedger opens the configured store for the duration of fn.
func withLedger(fn func(ctx context.Context, l *auditledger.Ledger) error) error {
	ctx := context.Background()
	l, closeStore, err := bootstrap.OpenLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, l)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyTenant string
	verifyFrom   uint64
	verifyTo     uint64
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute signatures and check hash links",
	Long: `verify walks the chain and reports every record whose signature does not
match its fields or whose previous hash does not match its predecessor.

Without flags the whole chain is checked. --tenant, --from and --to narrow
the run to a spot check; each record is still linked against its global
predecessor. Exits non-zero when any finding is reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := auditledger.VerifyOptions{TenantID: optional(verifyTenant)}
		if verifyFrom > 0 {
			opts.StartSequence = &verifyFrom
		}
		if verifyTo > 0 {
			opts.EndSequence = &verifyTo
		}
		if serverURL != "" {
			return remoteVerify(cmd)
		}
		return withLedger(func(ctx context.Context, l *auditledger.Ledger) error {
			res, err := l.Verify(ctx, opts)
			if err != nil {
				return err
			}
			if format == "json" {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printVerifyText(cmd.OutOrStdout(), res)
			}
			if !res.Valid {
				return errChainInvalid
			}
			return nil
		})
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyTenant, "tenant", "", "Only check records of this tenant")
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "First sequence to check")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "Last sequence to check")
}

func remoteVerify(cmd *cobra.Command) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	v, err := c.Verify(cmd.Context(), client.VerifyOptions{TenantID: verifyTenant, Start: verifyFrom, End: verifyTo})
	if err != nil {
		return err
	}
	if format == "json" {
		if err := printJSON(cmd.OutOrStdout(), v); err != nil {
			return err
		}
	} else {
		printVerifyText(cmd.OutOrStdout(), fromRemote(v))
	}
	if !v.Valid {
		return errChainInvalid
	}
	return nil
}

// fromRemote converts an API verification into the local result type for
// printing.
func fromRemote(v *client.Verification) *auditledger.VerificationResult {
	res := &auditledger.VerificationResult{
		Valid:         v.Valid,
		Checked:       v.Checked,
		FirstSequence: v.FirstSequence,
		LastSequence:  v.LastSequence,
		Scope:         v.Scope,
		Algorithm:     v.Algorithm,
	}
	for _, f := range v.Errors {
		res.Errors = append(res.Errors, auditledger.ChainError{
			Sequence: f.Sequence,
			Kind:     auditledger.ChainErrorKind(f.Kind),
			Expected: f.Expected,
			Actual:   f.Actual,
			Detail:   f.Detail,
		})
	}
	return res
}

func printVerifyText(w io.Writer, res *auditledger.VerificationResult) {
	state := "VALID"
	if !res.Valid {
		state = "INVALID"
	}
	fmt.Fprintf(w, "Result:    %s\n", state)
	fmt.Fprintf(w, "Scope:     %s\n", res.Scope)
	fmt.Fprintf(w, "Algorithm: %s\n", res.Algorithm)
	fmt.Fprintf(w, "Checked:   %d\n", res.Checked)
	if res.FirstSequence != nil && res.LastSequence != nil {
		fmt.Fprintf(w, "Range:     %d-%d\n", *res.FirstSequence, *res.LastSequence)
	}
	if len(res.Errors) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQUENCE\tKIND\tDETAIL")
	for _, e := range res.Errors {
		detail := e.Detail
		if detail == "" {
			detail = fmt.Sprintf("expected %s, got %s", e.Expected, e.Actual)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", e.Sequence, e.Kind, detail)
	}
	tw.Flush() //nolint:errcheck
}

// ── list ─────────────────────────────────────────────────────────────────────

var (
	listTenant string
	listUser   string
	listEvent  string
	listSince  time.Duration
	listLimit  int
	listOffset int
	listDesc   bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records",
	Long: `list prints one page of records matching the filters.

  auditctl list --tenant 7 --event billing --since 24h --desc`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := auditledger.Filter{
			TenantID:        optional(listTenant),
			UserID:          optional(listUser),
			EventTypePrefix: listEvent,
			Limit:           listLimit,
			Offset:          listOffset,
			Order:           auditledger.OrderAsc,
		}
		if listDesc {
			f.Order = auditledger.OrderDesc
		}
		if listSince > 0 {
			from := time.Now().Add(-listSince)
			f.CreatedFrom = &from
		}
		return withLedger(func(ctx context.Context, l *auditledger.Ledger) error {
			page, err := l.Query(ctx, f)
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), page)
			}
			return printPageText(cmd.OutOrStdout(), page)
		})
	},
}

func init() {
	listCmd.Flags().StringVar(&listTenant, "tenant", "", "Filter by tenant id")
	listCmd.Flags().StringVar(&listUser, "user", "", "Filter by user id")
	listCmd.Flags().StringVar(&listEvent, "event", "", "Filter by event type or namespace prefix (e.g. billing)")
	listCmd.Flags().DurationVar(&listSince, "since", 0, "Only records created within this window (e.g. 24h)")
	listCmd.Flags().IntVar(&listLimit, "limit", auditledger.DefaultPageSize, "Page size")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Records to skip")
	listCmd.Flags().BoolVar(&listDesc, "desc", false, "Newest first")
}

func printPageText(w io.Writer, page *auditledger.Page) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tCREATED\tTENANT\tUSER\tEVENT\tACTION\tSIG")
	for _, r := range page.Records {
		sig := "ok"
		if !r.SignatureValid {
			sig = "INVALID"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Sequence,
			r.CreatedAt.UTC().Format(time.RFC3339),
			auditledger.Deref(r.TenantID),
			auditledger.Deref(r.UserID),
			r.EventType,
			r.Action,
			sig,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d of %d records", len(page.Records), page.Total)
	if page.NextOffset != nil {
		fmt.Fprintf(w, " (next: --offset %d)", *page.NextOffset)
	}
	fmt.Fprintln(w)
	return nil
}

// ── show ─────────────────────────────────────────────────────────────────────

var showCmd = &cobra.Command{
	Use:   "show <sequence>",
	Short: "Show a single record with its hashes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil || seq == 0 {
			return fmt.Errorf("invalid sequence %q", args[0])
		}
		return withLedger(func(ctx context.Context, l *auditledger.Ledger) error {
			rec, err := l.Get(ctx, seq)
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			return printRecordText(cmd.OutOrStdout(), rec)
		})
	},
}

func printRecordText(w io.Writer, r *auditledger.RecordView) error {
	fmt.Fprintf(w, "Sequence:      %d\n", r.Sequence)
	fmt.Fprintf(w, "Created:       %s\n", auditledger.FormatTimestamp(r.CreatedAt))
	fmt.Fprintf(w, "Event:         %s\n", r.EventType)
	fmt.Fprintf(w, "Action:        %s\n", r.Action)
	fmt.Fprintf(w, "Tenant:        %s\n", auditledger.Deref(r.TenantID))
	fmt.Fprintf(w, "User:          %s\n", auditledger.Deref(r.UserID))
	if r.ResourceType != nil {
		fmt.Fprintf(w, "Resource:      %s/%s\n", *r.ResourceType, auditledger.Deref(r.ResourceID))
	}
	fmt.Fprintf(w, "Previous hash: %s\n", auditledger.Deref(r.PreviousHash))
	fmt.Fprintf(w, "Signature:     %s\n", r.SignatureHash)
	fmt.Fprintf(w, "Signature ok:  %t\n", r.SignatureValid)
	for _, section := range []struct {
		name string
		v    any
	}{{"Changes", r.Changes}, {"Metadata", r.Metadata}} {
		b, err := json.MarshalIndent(section.v, "  ", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s:\n  %s\n", section.name, b)
	}
	return nil
}

// ── export ───────────────────────────────────────────────────────────────────

var (
	exportTenant string
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a tenant's compliance report",
	Long: `export writes every record of one tenant followed by a verification
summary of that history.

  auditctl export --tenant 7 --as csv --out tenant-7-audit.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportTenant == "" {
			return errors.New("--tenant is required")
		}
		f, err := compliance.ParseFormat(exportFormat)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if exportOut != "" {
			file, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer file.Close()
			out = file
		}
		return withLedger(func(ctx context.Context, l *auditledger.Ledger) error {
			return compliance.NewExporter(l, logger).Export(ctx, exportTenant, f, out)
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "Tenant to export (required)")
	exportCmd.Flags().StringVar(&exportFormat, "as", "json", "Report format: json or csv")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Write to file instead of stdout")
}

// ── record ───────────────────────────────────────────────────────────────────

var (
	recEventType    string
	recAction       string
	recTenant       string
	recUser         string
	recResourceType string
	recResourceID   string
	recChanges      string
	recMetadata     string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append an event to the ledger",
	Long: `record seals and appends one event. Changes and metadata are JSON objects:

  auditctl record --type shipment.excursion_acknowledged --action "Excursion acknowledged" \
    --tenant 7 --user 42 --resource Shipment:991 \
    --changes '{"status":{"from":"open","to":"acknowledged"}}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := buildEvent()
		if err != nil {
			return err
		}
		if serverURL != "" {
			return remoteRecord(cmd, ev)
		}
		return withLedger(func(ctx context.Context, l *auditledger.Ledger) error {
			rec, err := l.Record(ctx, ev)
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded sequence %d\n", rec.Sequence)
			fmt.Fprintf(cmd.OutOrStdout(), "Signature: %s\n", rec.SignatureHash)
			return nil
		})
	},
}

func init() {
	recordCmd.Flags().StringVar(&recEventType, "type", "", "Event type, e.g. billing.subscription_changed (required)")
	recordCmd.Flags().StringVar(&recAction, "action", "", "Human-readable action (required)")
	recordCmd.Flags().StringVar(&recTenant, "tenant", "", "Tenant id")
	recordCmd.Flags().StringVar(&recUser, "user", "", "Acting user id")
	recordCmd.Flags().StringVar(&recResourceType, "resource-type", "", "Type of the affected resource")
	recordCmd.Flags().StringVar(&recResourceID, "resource-id", "", "Id of the affected resource")
	recordCmd.Flags().StringVar(&recChanges, "changes", "", `JSON object of {"field":{"from":..,"to":..}}`)
	recordCmd.Flags().StringVar(&recMetadata, "metadata", "", "JSON object of unsigned context")
}

func remoteRecord(cmd *cobra.Command, ev auditledger.Event) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	req := client.Event{
		EventType: ev.EventType,
		Action:    ev.Action,
		TenantID:  ev.TenantID,
		UserID:    ev.UserID,
		Metadata:  ev.Metadata,
	}
	if ev.Resource != nil {
		req.Resource = &client.Resource{Type: ev.Resource.Type, ID: ev.Resource.ID}
	}
	if len(ev.Changes) > 0 {
		req.Changes = make(map[string]client.Change, len(ev.Changes))
		for k, ch := range ev.Changes {
			req.Changes[k] = client.Change{From: ch.From, To: ch.To}
		}
	}

	rec, err := c.Record(cmd.Context(), req)
	if err != nil {
		return err
	}
	if format == "json" {
		return printJSON(cmd.OutOrStdout(), rec)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded sequence %d\n", rec.Sequence)
	fmt.Fprintf(cmd.OutOrStdout(), "Signature: %s\n", rec.SignatureHash)
	return nil
}

func buildEvent() (auditledger.Event, error) {
	ev := auditledger.Event{
		EventType: recEventType,
		Action:    recAction,
		TenantID:  optional(recTenant),
		UserID:    optional(recUser),
	}
	if recResourceType != "" || recResourceID != "" {
		ev.Resource = &auditledger.ResourceRef{Type: recResourceType, ID: recResourceID}
	}
	if recChanges != "" {
		if err := json.Unmarshal([]byte(recChanges), &ev.Changes); err != nil {
			return ev, fmt.Errorf("--changes: %w", err)
		}
	}
	if recMetadata != "" {
		if err := json.Unmarshal([]byte(recMetadata), &ev.Metadata); err != nil {
			return ev, fmt.Errorf("--metadata: %w", err)
		}
	}
	return ev, nil
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenRole   string
	tokenTenant string
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint an API token signed with auth.token_secret",
	Long: `token prints a bearer token for the audit API.

  auditctl token alice@example.com --role auditor --tenant 7
  auditctl token billing-worker --role service`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer, err := bootstrap.Issuer(cfg.Auth)
		if err != nil {
			return err
		}
		if issuer == nil {
			return errors.New("auth.token_secret is not configured")
		}
		tok, err := issuer.Issue(args[0], access.Role(tokenRole), tokenTenant)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(access.RoleAuditor), "auditor, admin or service")
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "Tenant an auditor token is scoped to")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the auditctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "auditctl %s\n", version)
	},
}
