package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/publish"
)

var crlFlags struct {
	ca        string
	out       string
	pem       bool
	force     bool
	retention time.Duration
	once      bool
}

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Build and publish certificate revocation lists",
}

var crlBuildCmd = &cobra.Command{
	Use:   "build --ca <ca-id>",
	Short: "Sign a CRL for an authority",
	Long: `Signs a CRL over the authority's ledger. While nothing has changed and the
previous CRL is less than half way to its nextUpdate, the previous CRL is
returned unchanged; --force always signs a new one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			crl, err := a.engine.BuildCRL(ctx, crlFlags.ca, pki.CRLOptions{
				Force:            crlFlags.force,
				RetentionHorizon: crlFlags.retention,
			})
			if err != nil {
				return err
			}
			a.log.Info("CRL ready", "ca", crlFlags.ca, "crl_number", crl.Number.String(),
				"entries", crl.Entries, "next_update", crl.NextUpdate)
			data := crl.DER
			if crlFlags.pem {
				data = pki.EncodeCRLPEM(data)
			}
			return writeOutput(cmd.OutOrStdout(), crlFlags.out, data)
		})
	},
}

var crlPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish CRLs to the configured outputs on their schedules",
	Long: `Publishes the CRL of every authority with a publish.output immediately, then
keeps running and republishes on each authority's publish.schedule until
interrupted. With --once it exits after the first round.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, runPublish)
	},
}

func init() {
	rootCmd.AddCommand(crlCmd)
	crlCmd.AddCommand(crlBuildCmd, crlPublishCmd)

	f := crlBuildCmd.Flags()
	f.StringVar(&crlFlags.ca, "ca", "", "Authority")
	f.StringVarP(&crlFlags.out, "out", "o", "", "Write the CRL here instead of stdout")
	f.BoolVar(&crlFlags.pem, "pem", false, "PEM encode the CRL")
	f.BoolVar(&crlFlags.force, "force", false, "Sign a new CRL even if nothing changed")
	f.DurationVar(&crlFlags.retention, "retention", 0, "Drop entries whose certificate expired longer ago than this")
	_ = crlBuildCmd.MarkFlagRequired("ca")

	crlPublishCmd.Flags().BoolVar(&crlFlags.once, "once", false, "Publish once and exit")
}

func runPublish(ctx context.Context, a *app) error {
	sched := publish.NewScheduler(a.engine, a.log.WithName("publish"))
	var targets []publish.Target
	for _, ac := range a.cfg.Authorities {
		if _, ok := a.keyIDs[ac.ID]; !ok || ac.Publish.Output == "" {
			continue
		}
		t := publish.Target{
			CA:        ac.ID,
			Schedule:  ac.Publish.Schedule,
			Output:    ac.Publish.Output,
			Format:    publish.Format(ac.Publish.Format),
			Retention: ac.Publish.Retention,
		}
		if t.Schedule != "" && !crlFlags.once {
			if err := sched.Add(t); err != nil {
				return err
			}
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return errors.New("no initialised authority has publish.output configured")
	}

	var errs []error
	for _, t := range targets {
		if _, err := sched.Publish(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.CA, err))
		}
	}
	if crlFlags.once {
		return errors.Join(errs...)
	}
	if len(sched.Targets()) == 0 {
		return errors.New("no authority has a publish.schedule; use --once for a single run")
	}

	sched.Start()
	a.log.Info("CRL publisher running", "targets", len(sched.Targets()))
	<-ctx.Done()
	sched.Stop()
	a.log.Info("CRL publisher stopped")
	return nil
}
