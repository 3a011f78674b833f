package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/pki"
)

var revokeFlags struct {
	ca         string
	serial     string
	reason     string
	at         string
	invalidity string
}

var revokeCmd = &cobra.Command{
	Use:   "revoke --ca <ca-id> --serial <hex> [--reason <reason>]",
	Short: "Revoke a certificate",
	Long: `Records a revocation in the authority's ledger. Revoking again with the same
reason changes nothing; a different reason replaces the reason but keeps the
original revocation time.

Reasons: unspecified, keyCompromise, cACompromise, affiliationChanged,
superseded, cessationOfOperation, certificateHold, privilegeWithdrawn,
aACompromise.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			req, err := revokeRequest()
			if err != nil {
				return err
			}
			entry, err := a.engine.Revoke(ctx, revokeFlags.ca, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s (%s) at %s\n",
				util.FormatSerial(entry.Serial), entry.Reason, entry.RevokedAt.Format(time.RFC3339))
			return nil
		})
	},
}

var statusFlags struct {
	ca     string
	serial string
	json   bool
}

var statusCmd = &cobra.Command{
	Use:   "status --ca <ca-id> --serial <hex>",
	Short: "Show the ledger status of a serial",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			serial, err := util.ParseSerial(statusFlags.serial)
			if err != nil {
				return err
			}
			st, err := a.engine.Status(ctx, statusFlags.ca, serial)
			if err != nil {
				return err
			}
			out := statusOutput{
				Serial:     util.FormatSerial(serial),
				Status:     st.Kind.String(),
				Generation: st.Generation,
			}
			if st.Kind == pki.StatusRevoked {
				out.Reason = st.Reason.String()
				out.RevokedAt = st.RevokedAt.Format(time.RFC3339)
				if st.InvalidityDate != nil {
					out.InvalidityDate = st.InvalidityDate.Format(time.RFC3339)
				}
			}
			w := cmd.OutOrStdout()
			if statusFlags.json {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			fmt.Fprintf(w, "Serial:     %s\n", out.Serial)
			fmt.Fprintf(w, "Status:     %s\n", out.Status)
			if out.Reason != "" {
				fmt.Fprintf(w, "Reason:     %s\n", out.Reason)
				fmt.Fprintf(w, "Revoked at: %s\n", out.RevokedAt)
			}
			if out.InvalidityDate != "" {
				fmt.Fprintf(w, "Invalidity: %s\n", out.InvalidityDate)
			}
			fmt.Fprintf(w, "Generation: %d\n", out.Generation)
			return nil
		})
	},
}

type statusOutput struct {
	Serial         string `json:"serial"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	RevokedAt      string `json:"revoked_at,omitempty"`
	InvalidityDate string `json:"invalidity_date,omitempty"`
	Generation     uint64 `json:"generation"`
}

func init() {
	rootCmd.AddCommand(revokeCmd, statusCmd)

	f := revokeCmd.Flags()
	f.StringVar(&revokeFlags.ca, "ca", "", "Authority that issued the certificate")
	f.StringVar(&revokeFlags.serial, "serial", "", "Serial number in hex")
	f.StringVar(&revokeFlags.reason, "reason", "unspecified", "Revocation reason")
	f.StringVar(&revokeFlags.at, "at", "", "Revocation time (RFC 3339, default now)")
	f.StringVar(&revokeFlags.invalidity, "invalidity-date", "", "When the key is known or suspected to have been compromised (RFC 3339)")
	_ = revokeCmd.MarkFlagRequired("ca")
	_ = revokeCmd.MarkFlagRequired("serial")

	f = statusCmd.Flags()
	f.StringVar(&statusFlags.ca, "ca", "", "Authority that issued the certificate")
	f.StringVar(&statusFlags.serial, "serial", "", "Serial number in hex")
	f.BoolVar(&statusFlags.json, "json", false, "Output as JSON")
	_ = statusCmd.MarkFlagRequired("ca")
	_ = statusCmd.MarkFlagRequired("serial")
}

func revokeRequest() (pki.RevokeRequest, error) {
	var req pki.RevokeRequest
	serial, err := util.ParseSerial(revokeFlags.serial)
	if err != nil {
		return req, err
	}
	req.Serial = serial
	if req.Reason, err = pki.ParseReason(revokeFlags.reason); err != nil {
		return req, err
	}
	if revokeFlags.at != "" {
		if req.At, err = time.Parse(time.RFC3339, revokeFlags.at); err != nil {
			return req, fmt.Errorf("--at: %w", err)
		}
	}
	if revokeFlags.invalidity != "" {
		t, err := time.Parse(time.RFC3339, revokeFlags.invalidity)
		if err != nil {
			return req, fmt.Errorf("--invalidity-date: %w", err)
		}
		req.InvalidityDate = &t
	}
	return req, nil
}
