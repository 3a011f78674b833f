package cmd

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/pki"
)

var caFlags struct {
	format      string
	out         string
	withKey     bool
	passwordEnv string
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Inspect and export certificate authorities",
}

var caListCmd = &cobra.Command{
	Use:   "list",
	Short: "Describe every initialised authority",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			now := time.Now()
			for i, id := range a.engine.Authorities() {
				cert, err := a.engine.Certificate(id)
				if err != nil {
					return err
				}
				if i > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprintf(w, "%s\n", id)
				fields := pki.Describe(cert, now)
				keys := make([]string, 0, len(fields))
				for k := range fields {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(w, "  %-22s %s\n", k+":", fields[k])
				}
			}
			return nil
		})
	},
}

var caExportCmd = &cobra.Command{
	Use:   "export <ca-id>",
	Short: "Export an authority certificate, chain or key bundle",
	Long: `Exports the authority certificate and its configured chain.

  --format pem   PEM bundle, authority certificate first
  --format p12   PKCS#12 trust store; with --with-key a key bundle instead

The PKCS#12 password is read from the environment variable named by
--password-env. Keys held in an HSM or KMS cannot be exported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			data, err := a.export(ctx, args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), caFlags.out, data)
		})
	},
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caListCmd, caExportCmd)

	f := caExportCmd.Flags()
	f.StringVar(&caFlags.format, "format", "pem", "pem or p12")
	f.StringVarP(&caFlags.out, "out", "o", "", "Write here instead of stdout")
	f.BoolVar(&caFlags.withKey, "with-key", false, "Include the private key (p12 only)")
	f.StringVar(&caFlags.passwordEnv, "password-env", "IRONCA_EXPORT_PASSWORD", "Environment variable holding the PKCS#12 password")
}

func (a *app) export(ctx context.Context, id string) ([]byte, error) {
	ac, err := a.authority(id)
	if err != nil {
		return nil, err
	}
	cert, err := a.engine.Certificate(id)
	if err != nil {
		return nil, err
	}
	var chain []*x509.Certificate
	if ac.Chain != "" {
		data, err := os.ReadFile(ac.Chain)
		if err != nil {
			return nil, fmt.Errorf("reading chain: %w", err)
		}
		if chain, err = pki.ParseCertificatesPEM(data); err != nil {
			return nil, fmt.Errorf("%s: %w", ac.Chain, err)
		}
	}

	switch caFlags.format {
	case "pem":
		if caFlags.withKey {
			return nil, errors.New("--with-key requires --format p12")
		}
		out := pki.EncodeCertificatePEM(cert.Raw)
		for _, c := range chain {
			out = append(out, pki.EncodeCertificatePEM(c.Raw)...)
		}
		return out, nil
	case "p12":
		password, ok := os.LookupEnv(caFlags.passwordEnv)
		if !ok || password == "" {
			return nil, fmt.Errorf("%s is not set", caFlags.passwordEnv)
		}
		if !caFlags.withKey {
			return pki.ExportTrustStore(append([]*x509.Certificate{cert}, chain...), password)
		}
		var keyPassword []byte
		if ac.Key.PasswordEnv != "" {
			keyPassword = []byte(os.Getenv(ac.Key.PasswordEnv))
			defer util.WipeBytes(keyPassword)
		}
		ks, err := a.keyStore(ctx, ac)
		if err != nil {
			return nil, err
		}
		return pki.ExportKeyBundle(ks, a.keyIDs[id], keyPassword, cert, chain, password)
	default:
		return nil, fmt.Errorf("unknown export format %q", caFlags.format)
	}
}
