package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopades/config"
	"github.com/georgepadayatti/gopades/engine"
	"github.com/georgepadayatti/gopades/metrics"
	"github.com/georgepadayatti/gopades/pdf/layout"
	"github.com/georgepadayatti/gopades/sign/batch"
	"github.com/georgepadayatti/gopades/sign/mdp"
)

// SignOptions holds the flags shared by sign and batch. Unset flags keep
// the config values.
type SignOptions struct {
	FieldName   string
	Reason      string
	Location    string
	Contact     string
	TSA         string
	NoTimestamp bool
	LTV         bool
	Multi       bool
	Policy      string
	Visible     bool
	Page        int
	Placement   string
	PINEnv      string
	MetricsFile string
}

func (o *SignOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.FieldName, "field", "", "name of the signature field (default Signature_<unix time>)")
	f.StringVar(&o.Reason, "reason", "", "reason for signing")
	f.StringVar(&o.Location, "location", "", "location of the signer")
	f.StringVar(&o.Contact, "contact", "", "contact information of the signer")
	f.StringVar(&o.TSA, "tsa", "", "URL of an RFC 3161 time-stamping authority")
	f.BoolVar(&o.NoTimestamp, "no-timestamp", false, "skip the signature timestamp even if the config sets a TSA")
	f.BoolVar(&o.LTV, "ltv", false, "embed certificates and revocation data for long-term validation")
	f.BoolVar(&o.Multi, "multi", false, "allow signing documents that are already signed")
	f.StringVar(&o.Policy, "policy", "", "certify with DocMDP: none, signing_only, form_fill, annotations")
	f.BoolVar(&o.Visible, "visible", false, "draw a visible signature stamp")
	f.IntVar(&o.Page, "page", 0, "page of the visible stamp, 0-based; negative counts from the end")
	f.StringVar(&o.Placement, "placement", "", "stamp corner: top-right, top-left, bottom-right, bottom-left, center")
	f.StringVar(&o.PINEnv, "pin-env", "", "read the PIN from this environment variable instead of stdin")
	f.StringVar(&o.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file when done")
}

// request builds the request template from the config and the flags that
// were set.
func (o *SignOptions) request(cmd *cobra.Command, d config.Defaults, e *engine.Engine) (engine.SignatureRequest, error) {
	f := cmd.Flags()
	if f.Changed("visible") {
		d.Appearance.Visible = o.Visible
	}
	if f.Changed("page") {
		d.Appearance.Page = o.Page
		d.Appearance.Visible = true
	}
	if f.Changed("placement") {
		a, err := layout.ParseAnchor(o.Placement)
		if err != nil {
			return engine.SignatureRequest{}, config.NewConfigError("placement", err.Error())
		}
		d.Appearance.Placement = a
		d.Appearance.Visible = true
	}
	desc, err := d.Appearance.Descriptor()
	if err != nil {
		return engine.SignatureRequest{}, err
	}
	req, err := e.NewRequest("", "")
	if err != nil {
		return engine.SignatureRequest{}, err
	}
	req.Appearance = desc
	if f.Changed("field") {
		req.FieldName = o.FieldName
	}
	if f.Changed("reason") {
		req.Reason = o.Reason
	}
	if f.Changed("location") {
		req.Location = o.Location
	}
	if f.Changed("contact") {
		req.ContactInfo = o.Contact
	}
	if f.Changed("tsa") {
		req.TSAURL = o.TSA
	}
	if o.NoTimestamp {
		req.TSAURL = ""
	}
	if f.Changed("ltv") {
		req.LTV = o.LTV
	}
	if f.Changed("multi") {
		req.MultiSignature = o.Multi
	}
	if f.Changed("policy") {
		p, err := mdp.ParsePolicy(o.Policy)
		if err != nil {
			return engine.SignatureRequest{}, config.NewConfigError("policy", err.Error())
		}
		req.Policy = p
	}
	return req, nil
}

// metricsSink returns the engine option and a flush function for
// --metrics-file.
func (o *SignOptions) metricsSink() (*metrics.Metrics, func() error) {
	if o.MetricsFile == "" {
		return nil, func() error { return nil }
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	return m, func() error { return metrics.WriteTextfile(reg, o.MetricsFile) }
}

// defaultOutput places the signed copy in the output directory beside the
// input.
func defaultOutput(input, dirName string) (string, error) {
	dir := filepath.Join(filepath.Dir(input), dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(input)), nil
}

func (a *app) signCommand() *cobra.Command {
	var opts SignOptions
	cmd := &cobra.Command{
		Use:   "sign <input.pdf> [output.pdf]",
		Short: "Sign one PDF document",
		Long: `Sign a PDF with the certificate on the configured token.

Without an output path the signed copy is written to the "imzalananlar"
directory (configurable) beside the input. The input is never modified.`,
		Example: `  gopades sign --reason "Approved" contract.pdf
  GOPADES_PIN=123456 gopades sign --pin-env GOPADES_PIN --visible --page -1 contract.pdf signed.pdf
  gopades sign --tsa http://timestamp.example.com --ltv --policy form_fill form.pdf`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, flush := opts.metricsSink()
			e, err := a.engine(engine.WithMetrics(m))
			if err != nil {
				return err
			}
			req, err := opts.request(cmd, a.defaults, e)
			if err != nil {
				return err
			}
			req.InputPath = args[0]
			if len(args) == 2 {
				req.OutputPath = args[1]
			} else if req.OutputPath, err = defaultOutput(args[0], a.defaults.Batch.OutputDirName); err != nil {
				return err
			}

			pin, err := a.pinReader(opts.PINEnv).read(cmd.Context())
			if err != nil {
				return err
			}
			res, signErr := e.Sign(cmd.Context(), req, engine.Credentials{PIN: pin})
			if err := flush(); err != nil {
				a.log.Warn("metrics not written", "file", opts.MetricsFile, "error", err)
			}
			if signErr != nil {
				return signErr
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

func printResult(w io.Writer, res *engine.SignatureResult) {
	fmt.Fprintf(w, "Signed %s (%d bytes)\n", res.OutputPath, res.Size)
	fmt.Fprintf(w, "  field:     %s (signature %d)\n", res.FieldName, res.SignatureIndex)
	fmt.Fprintf(w, "  signer:    %s (serial %s)\n", res.SignerSubject, res.SignerSerial)
	if res.AppliedPolicy != mdp.PolicyNone {
		fmt.Fprintf(w, "  certified: %s\n", res.AppliedPolicy)
	}
	fmt.Fprintf(w, "  timestamp: %s\n", res.TimestampStatus)
	fmt.Fprintf(w, "  ltv:       %s\n", res.LTVStatus)
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  warning:   %s\n", warn)
	}
}

func (a *app) batchCommand() *cobra.Command {
	var (
		opts      SignOptions
		outputDir string
	)
	cmd := &cobra.Command{
		Use:   "batch <input.pdf>...",
		Short: "Sign several PDF documents with one login",
		Long: `Sign every input in order with one token session. A failing document
does not stop the batch; repeated PIN failures or a locked token abort the
remaining documents.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, flush := opts.metricsSink()
			e, err := a.engine(engine.WithMetrics(m))
			if err != nil {
				return err
			}
			tmpl, err := opts.request(cmd, a.defaults, e)
			if err != nil {
				return err
			}
			job := batch.NewJob(args, tmpl)
			job.OutputDir = outputDir

			report := batch.NewOrchestrator(e, a.pinReader(opts.PINEnv).read).
				WithLogger(a.log).
				WithMetrics(m).
				Run(cmd.Context(), job)
			if err := flush(); err != nil {
				a.log.Warn("metrics not written", "file", opts.MetricsFile, "error", err)
			}

			w := cmd.OutOrStdout()
			for _, o := range report.Outcomes {
				switch o := o.(type) {
				case batch.Success:
					fmt.Fprintf(w, "ok        %s -> %s\n", o.Path, o.Result.OutputPath)
				case batch.Failure:
					fmt.Fprintf(w, "failed    %s: %s: %v\n", o.Path, o.Kind, o.Err)
				case batch.Cancelled:
					fmt.Fprintf(w, "cancelled %s\n", o.Path)
				case batch.Aborted:
					fmt.Fprintf(w, "aborted   %s: %v\n", o.Path, o.Err)
				}
			}
			fmt.Fprintln(w, report.Summary())
			if !report.OK() {
				return errPartial
			}
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&outputDir, "output-dir", "", `directory for the signed files (default "imzalananlar" beside each input)`)
	return cmd
}
