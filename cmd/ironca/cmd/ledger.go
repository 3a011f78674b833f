package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
)

// ledgerExport is the JSON written by `ledger export` and read by
// `ledger verify --file`.
type ledgerExport struct {
	CA     string      `json:"ca"`
	Events []pki.Event `json:"events"`
}

// ---------------------------------------------------------------------------
// Verification result types
// ---------------------------------------------------------------------------

type verifyResult struct {
	Source     string        `json:"source"`
	CA         string        `json:"ca"`
	EventCount int           `json:"event_count"`
	Issued     int           `json:"issued"`
	Revoked    int           `json:"revoked"`
	Valid      bool          `json:"valid"`
	Checks     []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

func (r *verifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass", Detail: detail})
}

func (r *verifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "fail", Detail: detail})
}

func (r *verifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "warn", Detail: detail})
}

// ---------------------------------------------------------------------------
// Core verification logic
// ---------------------------------------------------------------------------

// verifyLedger checks that events form a ledger the engine would accept
// on replay, and reports the first problem found by each check.
func verifyLedger(caID string, events []pki.Event) verifyResult {
	result := verifyResult{CA: caID, EventCount: len(events), Valid: true}

	if len(events) == 0 {
		result.pass("empty_ledger", "no events to verify")
		return result
	}

	// 1. Sequence numbers run 1..n without gaps.
	seqDetail := ""
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			seqDetail = fmt.Sprintf("event %d has seq=%d, expected %d", i, ev.Seq, i+1)
			break
		}
	}
	if seqDetail == "" {
		result.pass("sequence", fmt.Sprintf("all %d events are contiguous", len(events)))
	} else {
		result.fail("sequence", seqDetail)
	}

	// 2. A serial is issued at most once, and its generation counts issuances.
	issued := make(map[string]int, len(events))
	dupDetail, genDetail := "", ""
	for i, ev := range events {
		if ev.Type != pki.EventIssued {
			continue
		}
		if prev, ok := issued[ev.Serial]; ok && dupDetail == "" {
			dupDetail = fmt.Sprintf("serial %s issued by event %d and event %d", ev.Serial, prev, i)
		}
		issued[ev.Serial] = i
		if ev.Generation != uint64(len(issued)) && genDetail == "" {
			genDetail = fmt.Sprintf("event %d (serial %s) has generation %d, expected %d",
				i, ev.Serial, ev.Generation, len(issued))
		}
	}
	result.Issued = len(issued)
	if dupDetail == "" {
		result.pass("no_duplicate_issuance", "")
	} else {
		result.fail("no_duplicate_issuance", dupDetail)
	}
	if genDetail == "" {
		result.pass("generation", "")
	} else {
		result.fail("generation", genDetail)
	}

	// 3. Revocations name issued serials, once each, with a valid reason.
	revoked := make(map[string]bool)
	revDetail := ""
	for i, ev := range events {
		if revDetail != "" {
			break
		}
		switch ev.Type {
		case pki.EventIssued:
		case pki.EventRevoked:
			switch {
			case !seenBefore(issued, ev.Serial, i):
				revDetail = fmt.Sprintf("event %d revokes serial %s before it was issued", i, ev.Serial)
			case revoked[ev.Serial]:
				revDetail = fmt.Sprintf("event %d revokes serial %s a second time", i, ev.Serial)
			case ev.Reason.Validate() != nil:
				revDetail = fmt.Sprintf("event %d: %v", i, ev.Reason.Validate())
			}
			revoked[ev.Serial] = true
		case pki.EventReasonChanged:
			switch {
			case !revoked[ev.Serial]:
				revDetail = fmt.Sprintf("event %d changes the reason of unrevoked serial %s", i, ev.Serial)
			case ev.Reason.Validate() != nil:
				revDetail = fmt.Sprintf("event %d: %v", i, ev.Reason.Validate())
			}
		default:
			revDetail = fmt.Sprintf("event %d has unknown type %q", i, ev.Type)
		}
	}
	result.Revoked = len(revoked)
	if revDetail == "" {
		result.pass("revocations", fmt.Sprintf("%d revoked of %d issued", len(revoked), len(issued)))
	} else {
		result.fail("revocations", revDetail)
	}

	// 4. Recording times never go backwards.
	tsDetail := ""
	for i := 1; i < len(events); i++ {
		if events[i].RecordedAt.Before(events[i-1].RecordedAt) {
			tsDetail = fmt.Sprintf("event %d (recorded_at=%s) is earlier than event %d", i,
				events[i].RecordedAt.Format("2006-01-02T15:04:05Z07:00"), i-1)
			break
		}
	}
	if tsDetail == "" {
		result.pass("monotonic_recorded_at", "")
	} else {
		// Clock skew between writers happens in legitimate deployments.
		result.warn("monotonic_recorded_at", tsDetail)
	}

	return result
}

// seenBefore reports whether serial was issued by an event before index i.
func seenBefore(issued map[string]int, serial string, i int) bool {
	at, ok := issued[serial]
	return ok && at < i
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Ledger verification: %s\n", result.Source)
	fmt.Fprintf(w, "Authority: %s\n", result.CA)
	fmt.Fprintf(w, "Events:    %d (%d issued, %d revoked)\n\n", result.EventCount, result.Issued, result.Revoked)

	failures, warnings := 0, 0
	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
			failures++
		case "warn":
			tag = "[WARN]"
			warnings++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

func printJSONResult(w io.Writer, result verifyResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// ---------------------------------------------------------------------------
// Cobra commands
// ---------------------------------------------------------------------------

var ledgerFlags struct {
	json bool
	file string
	out  string
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Ledger export and verification tools",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify [ca-id]",
	Short: "Verify the integrity of an authority's ledger",
	Long: `Reads the ledger of an authority from the configured storage, or an exported
ledger with --file, and checks sequence continuity, issuance uniqueness,
generation counting and revocation ordering.

Exit status is 0 when the ledger is valid, 1 when a check fails and 2 when
the ledger cannot be read.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLedgerVerify,
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export <ca-id>",
	Short: "Export an authority's ledger as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			events, err := a.store.Load(args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(ledgerExport{CA: args[0], Events: events}, "", "  ")
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), ledgerFlags.out, append(data, '\n'))
		})
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd, ledgerExportCmd)
	ledgerVerifyCmd.Flags().BoolVar(&ledgerFlags.json, "json", false, "Output results as JSON")
	ledgerVerifyCmd.Flags().StringVar(&ledgerFlags.file, "file", "", "Verify an exported ledger instead of the configured storage")
	ledgerExportCmd.Flags().StringVarP(&ledgerFlags.out, "out", "o", "", "Write here instead of stdout")
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	var (
		export ledgerExport
		source string
	)
	switch {
	case ledgerFlags.file != "":
		data, err := os.ReadFile(ledgerFlags.file)
		if err != nil {
			return exitError{code: 2, err: fmt.Errorf("cannot read file: %w", err)}
		}
		if err := json.Unmarshal(data, &export); err != nil {
			return exitError{code: 2, err: fmt.Errorf("invalid JSON: %w", err)}
		}
		source = ledgerFlags.file
	case len(args) == 1:
		err := withApp(cmd, func(ctx context.Context, a *app) error {
			events, err := a.store.Load(args[0])
			if err != nil {
				return err
			}
			export = ledgerExport{CA: args[0], Events: events}
			return nil
		})
		if err != nil {
			return exitError{code: 2, err: err}
		}
		source = "storage:" + args[0]
	default:
		return exitError{code: 2, err: fmt.Errorf("give an authority id or --file")}
	}

	result := verifyLedger(export.CA, export.Events)
	result.Source = source

	w := cmd.OutOrStdout()
	if ledgerFlags.json {
		if err := printJSONResult(w, result); err != nil {
			return exitError{code: 2, err: err}
		}
	} else {
		printHumanResult(w, result)
	}
	if !result.Valid {
		return exitError{code: 1}
	}
	return nil
}
