package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/payment-proxy/internal/model"
	"github.com/sells-group/payment-proxy/internal/verify"
)

var verifyFlags struct {
	issuer, reference, link, message string
	account, baseURL, receiptNumber  string
	image                            string
	timeout                          time.Duration
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify one receipt against its issuer",
	Long:  "Resolves the reference from --reference, --link or --message (or, when all are empty, a receipt screenshot given with --image), fetches the issuer's receipt and prints the outcome as JSON. Exits non-zero unless the receipt is confirmed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		v, err := verify.NewFromConfig(cfg)
		if err != nil {
			return err
		}

		claim := model.Claim{
			Issuer:        verifyFlags.issuer,
			Reference:     verifyFlags.reference,
			Link:          verifyFlags.link,
			Message:       verifyFlags.message,
			AccountNumber: verifyFlags.account,
			BaseURL:       verifyFlags.baseURL,
			ReceiptNumber: verifyFlags.receiptNumber,
			Timeout:       verifyFlags.timeout,
		}
		if verifyFlags.image != "" {
			claim.Image, err = os.ReadFile(verifyFlags.image)
			if err != nil {
				return eris.Wrap(err, "read receipt image")
			}
		}

		out := v.Verify(cmd.Context(), claim)
		if err := printJSON(os.Stdout, out); err != nil {
			return err
		}
		if !out.OK() {
			return eris.Errorf("verification %s", out.Kind)
		}
		return nil
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

func init() {
	f := verifyCmd.Flags()
	f.StringVar(&verifyFlags.issuer, "issuer", model.IssuerCBE, "issuer (cbe, telebirr)")
	f.StringVar(&verifyFlags.reference, "reference", "", "transaction reference")
	f.StringVar(&verifyFlags.link, "link", "", "receipt link shared by the payer")
	f.StringVar(&verifyFlags.message, "message", "", "free-text message containing a reference or link")
	f.StringVar(&verifyFlags.account, "account", "", "payer or receiver account number")
	f.StringVar(&verifyFlags.baseURL, "base-url", "", "override the issuer verification URL")
	f.StringVar(&verifyFlags.receiptNumber, "receipt-number", "", "receipt number printed on the document")
	f.StringVar(&verifyFlags.image, "image", "", "receipt screenshot, read when no reference, link or message is given")
	f.DurationVar(&verifyFlags.timeout, "timeout", 0, "fetch timeout (default from config)")
	rootCmd.AddCommand(verifyCmd)
}
