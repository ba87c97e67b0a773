package cli

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopades/keys"
	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/sign/cms"
	"github.com/georgepadayatti/gopades/sign/dss"
	"github.com/georgepadayatti/gopades/sign/mdp"
)

var errInvalidSignature = errors.New("document has invalid signatures")

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	TrustRootsFile string
	JSON           bool
}

// VerifyOutput is the verification result of one document.
type VerifyOutput struct {
	Certification string          `json:"certification"`
	Signatures    []*VerifyResult `json:"signatures"`
	DSS           *DSSInfo        `json:"dss,omitempty"`
}

// VerifyResult is a JSON-serializable verification result for a single signature.
type VerifyResult struct {
	SignatureIndex int              `json:"signature_index"`
	FieldName      string           `json:"field_name,omitempty"`
	Status         string           `json:"status"`
	IntegrityValid bool             `json:"integrity_valid"`
	TrustValid     *bool            `json:"trust_valid,omitempty"`
	CoversDocument bool             `json:"covers_document"`
	SigningTime    string           `json:"signing_time,omitempty"`
	TimestampTime  string           `json:"timestamp_time,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	SubFilter      string           `json:"sub_filter,omitempty"`
	HasVRI         bool             `json:"has_vri"`
	Errors         []string         `json:"errors,omitempty"`
	Certificate    *CertificateInfo `json:"certificate,omitempty"`
}

// CertificateInfo contains certificate information for JSON output.
type CertificateInfo struct {
	Subject   string `json:"subject"`
	Issuer    string `json:"issuer"`
	Serial    string `json:"serial"`
	NotBefore string `json:"not_before"`
	NotAfter  string `json:"not_after"`
}

// DSSInfo summarizes the Document Security Store.
type DSSInfo struct {
	Certificates int `json:"certificates"`
	OCSPs        int `json:"ocsps"`
	CRLs         int `json:"crls"`
	VRI          int `json:"vri"`
}

func (a *app) verifyCommand() *cobra.Command {
	var opts VerifyOptions
	cmd := &cobra.Command{
		Use:   "verify <input.pdf>",
		Short: "Check the signatures of a PDF document",
		Long: `Check the integrity of every signature in a PDF and report signer,
timestamp, certification and long-term validation data. With
--trust-roots the signer certificates are also chained to those roots.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var roots *x509.CertPool
			if opts.TrustRootsFile != "" {
				pool, _, err := keys.Pool(opts.TrustRootsFile)
				if err != nil {
					return fmt.Errorf("failed to load trust roots: %w", err)
				}
				roots = pool
			}
			out, err := verifyPDF(args[0], roots)
			if err != nil {
				return err
			}
			if opts.JSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			} else {
				outputText(cmd.OutOrStdout(), out)
			}
			for _, r := range out.Signatures {
				if r.Status != "VALID" {
					return errInvalidSignature
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.TrustRootsFile, "trust-roots", "", "PEM file of trusted root certificates")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "output results in JSON format")
	return cmd
}

// verifyPDF checks every embedded signature of the file at path.
func verifyPDF(path string, roots *x509.CertPool) (*VerifyOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	sigs, err := r.EmbeddedSignatures()
	if err != nil {
		return nil, err
	}
	state, err := mdp.ReadState(r)
	if err != nil {
		return nil, err
	}
	store, err := dss.Read(r)
	if err != nil {
		return nil, err
	}

	out := &VerifyOutput{Certification: state.String()}
	if !store.IsEmpty() {
		out.DSS = &DSSInfo{Certificates: len(store.Certs), OCSPs: len(store.OCSPs), CRLs: len(store.CRLs), VRI: len(store.VRI)}
	}
	for i, es := range sigs {
		res := &VerifyResult{
			SignatureIndex: i + 1,
			FieldName:      es.FieldName,
			Reason:         es.Reason(),
			SubFilter:      es.SubFilter(),
			CoversDocument: es.ByteRange[2]+es.ByteRange[3] == int64(len(data)),
			HasVRI:         store.VRI[dss.VRIKey(es.Contents)] != nil,
		}
		verifySignature(res, es, data, roots, store.Certificates())
		out.Signatures = append(out.Signatures, res)
	}
	return out, nil
}

func verifySignature(res *VerifyResult, es *reader.EmbeddedSignature, data []byte, roots *x509.CertPool, extra []*x509.Certificate) {
	res.Status = "INVALID"
	sig, err := cms.Parse(es.Contents)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	if c := sig.Signer; c != nil {
		res.Certificate = &CertificateInfo{
			Subject:   c.Subject.String(),
			Issuer:    c.Issuer.String(),
			Serial:    fmt.Sprintf("%X", c.SerialNumber),
			NotBefore: c.NotBefore.UTC().Format(time.RFC3339),
			NotAfter:  c.NotAfter.UTC().Format(time.RFC3339),
		}
	}
	if t, ok := sig.SigningTime(); ok {
		res.SigningTime = t.UTC().Format(time.RFC3339)
	}
	if t, ok := sig.TimestampTime(); ok {
		res.TimestampTime = t.UTC().Format(time.RFC3339)
	}

	signed, err := es.SignedData(data)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	if err := sig.Verify(signed); err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	res.IntegrityValid = true
	res.Status = "VALID"

	if roots == nil || sig.Signer == nil {
		return
	}
	inter := x509.NewCertPool()
	for _, c := range append(sig.Certificates, extra...) {
		inter.AddCert(c)
	}
	vo := x509.VerifyOptions{Roots: roots, Intermediates: inter, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}
	if t, ok := sig.TimestampTime(); ok {
		vo.CurrentTime = t
	} else if t, ok := sig.SigningTime(); ok {
		vo.CurrentTime = t
	}
	_, err = sig.Signer.Verify(vo)
	trusted := err == nil
	res.TrustValid = &trusted
	if !trusted {
		res.Status = "UNTRUSTED"
		res.Errors = append(res.Errors, err.Error())
	}
}

func outputText(w io.Writer, out *VerifyOutput) {
	fmt.Fprintf(w, "Certification: %s\n", out.Certification)
	if out.DSS != nil {
		fmt.Fprintf(w, "DSS: %d certificates, %d OCSP responses, %d CRLs, %d VRI entries\n",
			out.DSS.Certificates, out.DSS.OCSPs, out.DSS.CRLs, out.DSS.VRI)
	}
	if len(out.Signatures) == 0 {
		fmt.Fprintln(w, "No signatures found")
		return
	}
	for _, r := range out.Signatures {
		fmt.Fprintf(w, "\nSignature %d (%s): %s\n", r.SignatureIndex, r.FieldName, r.Status)
		if r.Certificate != nil {
			fmt.Fprintf(w, "  Signer:    %s (serial %s)\n", r.Certificate.Subject, r.Certificate.Serial)
		}
		if r.SigningTime != "" {
			fmt.Fprintf(w, "  Signed at: %s\n", r.SigningTime)
		}
		if r.TimestampTime != "" {
			fmt.Fprintf(w, "  Timestamp: %s\n", r.TimestampTime)
		}
		if r.Reason != "" {
			fmt.Fprintf(w, "  Reason:    %s\n", r.Reason)
		}
		fmt.Fprintf(w, "  SubFilter: %s\n", r.SubFilter)
		fmt.Fprintf(w, "  Covers whole document: %t\n", r.CoversDocument)
		fmt.Fprintf(w, "  LTV data:  %t\n", r.HasVRI)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  Error:     %s\n", e)
		}
	}
}
