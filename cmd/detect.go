package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/payment-proxy/internal/model"
	"github.com/sells-group/payment-proxy/internal/verify"
)

var detectIssuer string

var detectCmd = &cobra.Command{
	Use:   "detect <image>",
	Short: "Read a transaction reference from a receipt screenshot",
	Long:  "Tries the QR code first, then text recognition when an OCR key is configured.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read image %s", args[0])
		}

		v, err := verify.NewFromConfig(cfg)
		if err != nil {
			return err
		}
		d, err := v.Detect(cmd.Context(), detectIssuer, image)
		if err != nil {
			return err
		}
		if d == nil {
			fmt.Fprintln(os.Stderr, "No reference found.")
			return eris.New("nothing detected")
		}
		return printJSON(os.Stdout, d)
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectIssuer, "issuer", model.IssuerCBE, "issuer whose reference format to look for")
	rootCmd.AddCommand(detectCmd)
}
