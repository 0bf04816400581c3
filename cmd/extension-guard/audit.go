package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/auditor"
	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/trash"
)

const defaultAuditDB = "data/audit.db"

// runAudit inspects a SQLite audit log offline.
func runAudit(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: extension-guard audit <query|stats|verify|export> [flags]")
		return 2
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("audit "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", defaultAuditDB, "audit database path")
	since := fs.String("since", "", "only records after this time (24h, 7d, 2024-01-15, RFC3339)")
	until := fs.String("until", "", "only records before this time")
	action := fs.String("action", "", "filter by action, e.g. UPLOAD_BLOCKED")
	blocked := fs.String("blocked", "", "filter by blocked flag (true or false)")
	ext := fs.String("extension", "", "filter by blocked extension")
	limit := fs.Int("limit", 50, "maximum records to show (0 = all)")
	asJSON := fs.Bool("json", false, "print JSON")
	out := fs.String("out", "", "export file (default stdout)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintf(stderr, "error: audit database %s: %v\n", *dbPath, err)
		return 1
	}
	aud, err := auditor.NewSQLite(auditor.SQLiteConfig{Path: *dbPath})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer aud.Close()

	ctx := context.Background()
	switch sub {
	case "query":
		filter := auditor.QueryFilter{
			Since:     parseTimeArg(*since),
			Until:     parseTimeArg(*until),
			Action:    core.ActionType(strings.ToUpper(*action)),
			Extension: core.NormalizeExtension(*ext),
			Limit:     *limit,
		}
		if *blocked != "" {
			b, err := strconv.ParseBool(*blocked)
			if err != nil {
				fmt.Fprintf(stderr, "error: invalid -blocked value %q\n", *blocked)
				return 2
			}
			filter.Blocked = &b
		}
		err = auditQuery(ctx, aud, filter, *asJSON, stdout)
	case "stats":
		err = auditStats(ctx, aud, stdout)
	case "verify":
		var tampered []int64
		tampered, err = aud.VerifyIntegrity(ctx)
		if err == nil && len(tampered) > 0 {
			fmt.Fprintf(stdout, "Integrity check FAILED: %d tampered records: %v\n", len(tampered), tampered)
			return 1
		}
		if err == nil {
			fmt.Fprintln(stdout, "Integrity check passed: no tampered records")
		}
	case "export":
		err = auditExport(ctx, aud, parseTimeArg(*since), *out, stdout)
	default:
		fmt.Fprintf(stderr, "unknown audit command %q\n", sub)
		return 2
	}

	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func auditQuery(ctx context.Context, aud *auditor.SQLiteLog, filter auditor.QueryFilter, asJSON bool, w io.Writer) error {
	records, err := aud.Query(ctx, filter)
	if err != nil {
		return err
	}

	if asJSON {
		out := make([]core.AuditSummary, 0, len(records))
		for _, r := range records {
			out = append(out, core.Summarize(r.Entry))
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	noun := "records"
	if len(records) == 1 {
		noun = "record"
	}
	fmt.Fprintf(w, "Found %d %s\n\n", len(records), noun)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tACTION\tFILE\tSIZE\tCLIENT\tREASON")
	for _, r := range records {
		e := r.Entry
		reason := string(e.ReasonKind)
		if e.BlockedExtension != "" {
			reason += " (" + e.BlockedExtension + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.Time.Local().Format("2006-01-02 15:04:05"),
			e.Action,
			e.Filename,
			formatBytesHuman(e.SizeBytes),
			e.ClientIP,
			reason)
	}
	return tw.Flush()
}

func auditStats(ctx context.Context, aud *auditor.SQLiteLog, w io.Writer) error {
	st, err := aud.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Total Records:   %d\n", st.TotalRecords)
	fmt.Fprintf(w, "Blocked:         %d\n", st.Blocked)
	if !st.FirstRecord.IsZero() {
		fmt.Fprintf(w, "First Record:    %s\n", st.FirstRecord.Local().Format(time.RFC3339))
		fmt.Fprintf(w, "Last Record:     %s\n", st.LastRecord.Local().Format(time.RFC3339))
	}

	actions := make([]string, 0, len(st.ByAction))
	for a := range st.ByAction {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	if len(actions) > 0 {
		fmt.Fprintln(w, "By Action:")
		for _, a := range actions {
			fmt.Fprintf(w, "  %-20s %d\n", a, st.ByAction[core.ActionType(a)])
		}
	}
	return nil
}

func auditExport(ctx context.Context, aud *auditor.SQLiteLog, since time.Time, path string, stdout io.Writer) error {
	data, err := aud.Export(ctx, since)
	if err != nil {
		return err
	}
	if path == "" {
		_, err = fmt.Fprintln(stdout, string(data))
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// runQuarantine lists or purges quarantined blobs of the local store.
func runQuarantine(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: extension-guard quarantine <list|purge> -dir path [-older-than 7d]")
		return 2
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("quarantine "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "", "quarantine directory")
	olderThan := fs.String("older-than", "7d", "purge blobs quarantined longer than this")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *dir == "" {
		fmt.Fprintln(stderr, "error: -dir is required")
		return 2
	}

	switch sub {
	case "list":
		tm, err := trash.New(trash.Config{Dir: *dir}, nil)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		items, err := tm.List()
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%d quarantined blobs\n", len(items))
		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		for _, it := range items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				it.Name,
				formatBytesHuman(it.Size),
				it.Meta.QuarantinedAt.Local().Format(time.RFC3339),
				it.Meta.Reason)
		}
		_ = tw.Flush()
	case "purge":
		age, err := parseDurationWithDays(*olderThan)
		if err != nil || age <= 0 {
			fmt.Fprintf(stderr, "error: invalid -older-than %q\n", *olderThan)
			return 2
		}
		tm, err := trash.New(trash.Config{Dir: *dir, MaxAge: age}, nil)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		n, freed, err := tm.Cleanup(context.Background())
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Purged %d blobs, freed %s\n", n, formatBytesHuman(freed))
	default:
		fmt.Fprintf(stderr, "unknown quarantine command %q\n", sub)
		return 2
	}
	return 0
}

// parseTimeArg accepts a relative age ("24h", "7d"), a date
// ("2024-01-15") or an RFC3339 timestamp. It returns the zero time for
// anything else.
func parseTimeArg(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if d, err := parseDurationWithDays(s); err == nil {
		return time.Now().Add(-d)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t
	}
	return time.Time{}
}

// parseDurationWithDays extends time.ParseDuration with a "d" suffix.
func parseDurationWithDays(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func formatBytesHuman(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
