package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/internal/util"
)

var ocspFlags struct {
	ca      string
	serial  string
	request string
	out     string
}

var ocspCmd = &cobra.Command{
	Use:   "ocsp",
	Short: "Produce OCSP responses",
}

var ocspRespondCmd = &cobra.Command{
	Use:   "respond --ca <ca-id> (--serial <hex> | --request <file>)",
	Short: "Sign an OCSP response for a serial or a DER request",
	Long: `Signs an RFC 6960 response. With --request the DER request is answered as a
responder would: a request that cannot be parsed yields a malformedRequest
response rather than an error.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (ocspFlags.serial == "") == (ocspFlags.request == "") {
			return errors.New("exactly one of --serial and --request is required")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				resp []byte
				err  error
			)
			if ocspFlags.request != "" {
				der, rerr := readInput(cmd.InOrStdin(), ocspFlags.request)
				if rerr != nil {
					return rerr
				}
				resp, err = a.engine.RespondOCSPRequest(ctx, ocspFlags.ca, der)
			} else {
				serial, perr := util.ParseSerial(ocspFlags.serial)
				if perr != nil {
					return perr
				}
				resp, err = a.engine.RespondOCSP(ctx, ocspFlags.ca, serial)
			}
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), ocspFlags.out, resp)
		})
	},
}

func init() {
	rootCmd.AddCommand(ocspCmd)
	ocspCmd.AddCommand(ocspRespondCmd)

	f := ocspRespondCmd.Flags()
	f.StringVar(&ocspFlags.ca, "ca", "", "Authority")
	f.StringVar(&ocspFlags.serial, "serial", "", "Serial number in hex")
	f.StringVar(&ocspFlags.request, "request", "", `DER OCSP request file, or "-" for stdin`)
	f.StringVarP(&ocspFlags.out, "out", "o", "", "Write the response here instead of stdout")
	_ = ocspRespondCmd.MarkFlagRequired("ca")
}
