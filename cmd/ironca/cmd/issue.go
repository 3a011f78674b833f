package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/pki"
)

var issueFlags struct {
	ca        string
	profile   string
	csr       string
	out       string
	sans      []string
	validity  time.Duration
	notBefore string
	notAfter  string
	pathLen   int
}

var issueCmd = &cobra.Command{
	Use:   "issue --ca <ca-id> --profile <name> --csr <file>",
	Short: "Issue a certificate from a CSR",
	Long: `Validates a PKCS#10 request (PEM or DER, "-" for stdin), applies the named
profile and signs it with the authority. The certificate is written as PEM.
Every place where the certificate differs from the request is logged.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, runIssue(cmd))
	},
}

func init() {
	rootCmd.AddCommand(issueCmd)
	f := issueCmd.Flags()
	f.StringVar(&issueFlags.ca, "ca", "", "Issuing authority")
	f.StringVar(&issueFlags.profile, "profile", "", "Certificate profile")
	f.StringVar(&issueFlags.csr, "csr", "", `CSR file, or "-" for stdin`)
	f.StringVarP(&issueFlags.out, "out", "o", "", "Write the certificate here instead of stdout")
	f.StringSliceVar(&issueFlags.sans, "san", nil, "Subject alternative name replacing the CSR's (repeatable)")
	f.DurationVar(&issueFlags.validity, "validity", 0, "Lifetime from now, instead of the profile default")
	f.StringVar(&issueFlags.notBefore, "not-before", "", "Start of validity (RFC 3339)")
	f.StringVar(&issueFlags.notAfter, "not-after", "", "End of validity (RFC 3339)")
	f.IntVar(&issueFlags.pathLen, "path-len", -1, "Path length for CA profiles")
	for _, name := range []string{"ca", "profile", "csr"} {
		_ = issueCmd.MarkFlagRequired(name)
	}
}

func runIssue(cmd *cobra.Command) func(context.Context, *app) error {
	return func(ctx context.Context, a *app) error {
		if _, err := a.authority(issueFlags.ca); err != nil {
			return err
		}
		csr, err := readInput(cmd.InOrStdin(), issueFlags.csr)
		if err != nil {
			return fmt.Errorf("reading CSR: %w", err)
		}
		overrides, err := issueOverrides(cmd)
		if err != nil {
			return err
		}

		issued, err := a.engine.Issue(ctx, issueFlags.ca, pki.IssueRequest{
			CSR:       csr,
			Profile:   issueFlags.profile,
			Overrides: overrides,
		})
		if err != nil {
			return err
		}
		for _, d := range issued.Decisions {
			a.log.Info("request adjusted", "field", d.Field, "action", d.Action, "detail", d.Detail)
		}
		a.log.Info("certificate issued", "ca", issueFlags.ca, "serial", util.FormatSerial(issued.Serial),
			"subject", issued.Certificate.Subject.String(), "id", issued.ID)
		return writeOutput(cmd.OutOrStdout(), issueFlags.out, pki.EncodeCertificatePEM(issued.DER))
	}
}

func issueOverrides(cmd *cobra.Command) (pki.Overrides, error) {
	var o pki.Overrides
	if len(issueFlags.sans) > 0 {
		o.SANs = issueFlags.sans
	}
	if issueFlags.notBefore != "" {
		t, err := time.Parse(time.RFC3339, issueFlags.notBefore)
		if err != nil {
			return o, fmt.Errorf("--not-before: %w", err)
		}
		o.NotBefore = &t
	}
	switch {
	case issueFlags.notAfter != "" && issueFlags.validity != 0:
		return o, errors.New("--not-after and --validity are mutually exclusive")
	case issueFlags.notAfter != "":
		t, err := time.Parse(time.RFC3339, issueFlags.notAfter)
		if err != nil {
			return o, fmt.Errorf("--not-after: %w", err)
		}
		o.NotAfter = &t
	case issueFlags.validity != 0:
		start := time.Now()
		if o.NotBefore != nil {
			start = *o.NotBefore
		}
		t := start.Add(issueFlags.validity)
		o.NotAfter = &t
	}
	if cmd.Flags().Changed("path-len") {
		n := issueFlags.pathLen
		o.PathLen = &n
	}
	return o, nil
}
