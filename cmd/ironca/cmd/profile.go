package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironca/config"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect certificate profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in and configured profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		reg, err := cfg.Registry()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tCA\tVALIDITY\tDESCRIPTION")
		for _, name := range reg.Names() {
			p, err := reg.Resolve(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", name, p.IsCA(), p.DefaultValidity(), p.Description())
		}
		return tw.Flush()
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a profile with inheritance resolved, as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		reg, err := cfg.Registry()
		if err != nil {
			return err
		}
		p, err := reg.Resolve(args[0])
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(map[string]any{p.Name(): p.Definition()}); err != nil {
			return err
		}
		return enc.Close()
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileListCmd, profileShowCmd)
}
