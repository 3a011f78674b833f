package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/pki"
)

var initFlags struct {
	subject    string
	validity   time.Duration
	pathLen    int
	unlimited  bool
	permitDNS  []string
	excludeDNS []string
	crlURLs    []string
	ocspURLs   []string
	issuerURLs []string
	parent     string
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create CA certificates and keys",
	Long: `Creates the key and certificate of a configured authority and writes them to
the certificate and key.path files named in the configuration. Existing files
are never overwritten.`,
}

var initRootCmd = &cobra.Command{
	Use:   "root <ca-id>",
	Short: "Create a self-signed root CA",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.initCA(ctx, cmd, args[0], "")
		})
	},
}

var initIntermediateCmd = &cobra.Command{
	Use:   "intermediate <ca-id> --parent <ca-id>",
	Short: "Create an intermediate CA signed by a configured parent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if initFlags.parent == "" {
			return errors.New("--parent is required")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if _, err := a.authority(initFlags.parent); err != nil {
				return err
			}
			return a.initCA(ctx, cmd, args[0], initFlags.parent)
		})
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.AddCommand(initRootCmd, initIntermediateCmd)

	for _, c := range []*cobra.Command{initRootCmd, initIntermediateCmd} {
		f := c.Flags()
		f.StringVar(&initFlags.subject, "subject", "", `Subject distinguished name, e.g. "CN=Example Root,O=Example"`)
		f.DurationVar(&initFlags.validity, "validity", 0, "Certificate lifetime (default ten years)")
		f.IntVar(&initFlags.pathLen, "path-len", -1, "Path length constraint (default 0)")
		f.BoolVar(&initFlags.unlimited, "unlimited", false, "Omit the path length constraint")
		f.StringSliceVar(&initFlags.permitDNS, "permit-dns", nil, "Permitted DNS name constraint (repeatable)")
		f.StringSliceVar(&initFlags.excludeDNS, "exclude-dns", nil, "Excluded DNS name constraint (repeatable)")
		_ = c.MarkFlagRequired("subject")
	}
	f := initIntermediateCmd.Flags()
	f.StringVar(&initFlags.parent, "parent", "", "Authority that signs the intermediate")
	f.StringSliceVar(&initFlags.crlURLs, "crl-url", nil, "CRL distribution point (default: the parent's)")
	f.StringSliceVar(&initFlags.ocspURLs, "ocsp-url", nil, "OCSP responder URL (default: the parent's)")
	f.StringSliceVar(&initFlags.issuerURLs, "issuer-url", nil, "CA issuers URL (default: the parent's)")
}

func (a *app) initCA(ctx context.Context, cmd *cobra.Command, id, parentID string) error {
	ac, err := a.cfg.Authority(id)
	if err != nil {
		return err
	}
	for _, path := range []string{ac.Certificate, ac.Key.Path} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("authority %s: %s already exists", id, path)
		}
	}
	subject, err := parseSubject(initFlags.subject)
	if err != nil {
		return err
	}
	req := pki.CARequest{
		Subject:                subject,
		Key:                    ac.Key.Spec,
		Validity:               initFlags.validity,
		Unlimited:              initFlags.unlimited,
		PermittedDNSDomains:    initFlags.permitDNS,
		ExcludedDNSDomains:     initFlags.excludeDNS,
		CRLDistributionPoints:  initFlags.crlURLs,
		OCSPServers:            initFlags.ocspURLs,
		IssuingCertificateURLs: initFlags.issuerURLs,
	}
	if cmd.Flags().Changed("path-len") {
		n := initFlags.pathLen
		req.PathLen = &n
	}

	ks, err := a.keyStore(ctx, ac)
	if err != nil {
		return err
	}
	var ca *pki.CAMaterial
	if parentID == "" {
		ca, err = a.engine.InitRoot(ctx, ks, req)
	} else {
		ca, err = a.engine.InitIntermediate(ctx, parentID, ks, req)
	}
	if err != nil {
		return err
	}

	if err := a.saveCA(ac, ks, ca, parentID); err != nil {
		if derr := ks.Delete(ca.KeyID); derr != nil {
			a.log.Error(derr, "discarding CA key after failed save", "ca", id)
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created %s\n", id)
	fmt.Fprintf(out, "  Subject:     %s\n", ca.Certificate.Subject)
	fmt.Fprintf(out, "  Serial:      %s\n", util.FormatSerial(ca.Serial))
	fmt.Fprintf(out, "  Not after:   %s\n", ca.Certificate.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(out, "  Certificate: %s\n", ac.Certificate)
	fmt.Fprintf(out, "  Key:         %s (%s)\n", ac.Key.Path, ac.Key.Backend)
	return nil
}

// saveCA writes the key reference, the certificate and, for an
// intermediate, the issuer chain.
func (a *app) saveCA(ac *config.AuthorityConfig, ks pki.KeyStore, ca *pki.CAMaterial, parentID string) error {
	keyRef, err := ks.ExportPEM(ca.KeyID)
	if err != nil {
		return fmt.Errorf("exporting key: %w", err)
	}
	if err := writeNewFile(ac.Key.Path, []byte(keyRef), 0o600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	if err := writeNewFile(ac.Certificate, pki.EncodeCertificatePEM(ca.DER), 0o644); err != nil {
		os.Remove(ac.Key.Path)
		return fmt.Errorf("writing certificate: %w", err)
	}
	if parentID == "" || ac.Chain == "" {
		return nil
	}
	parentCert, err := a.engine.Certificate(parentID)
	if err != nil {
		return err
	}
	chain := pki.EncodeCertificatePEM(parentCert.Raw)
	if pc, err := a.cfg.Authority(parentID); err == nil && pc.Chain != "" {
		upper, err := os.ReadFile(pc.Chain)
		if err != nil {
			return fmt.Errorf("reading %s chain: %w", parentID, err)
		}
		chain = append(chain, upper...)
	}
	return os.WriteFile(ac.Chain, chain, 0o644)
}
