package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopades/keys"
	"github.com/georgepadayatti/gopades/sign/timestamps"
)

const shutdownTimeout = 5 * time.Second

func (a *app) tsaServeCommand() *cobra.Command {
	var (
		addr        string
		certFile    string
		keyFile     string
		passwordEnv string
		chainFile   string
	)
	cmd := &cobra.Command{
		Use:   "tsa-serve",
		Short: "Run a local RFC 3161 time-stamping authority for testing",
		Long: `Serve RFC 3161 timestamps signed with a software key. The certificate
must carry the timeStamping extended key usage. Intended for test setups
without access to a public TSA.`,
		Example: `  gopades tsa-serve --cert tsa.p12 --password-env TSA_PASSWORD
  gopades tsa-serve --addr 127.0.0.1:3161 --cert tsa.pem --key tsa-key.pem --chain ca.pem`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var password string
			if passwordEnv != "" {
				password = os.Getenv(passwordEnv)
			}
			cred, err := keys.LoadCredential(certFile, keyFile, password)
			if err != nil {
				return fmt.Errorf("load TSA credential: %w", err)
			}
			chain := cred.Chain
			if chainFile != "" {
				extra, err := keys.LoadCertificates(chainFile)
				if err != nil {
					return fmt.Errorf("load chain: %w", err)
				}
				chain = append(chain, extra...)
			}
			authority := timestamps.NewLocalAuthority(cred.Certificate, cred.Key).
				WithChain(chain).
				WithLogger(a.log)

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return a.serve(cmd.Context(), ln, authority)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "127.0.0.1:3161", "listen address")
	f.StringVar(&certFile, "cert", "", "TSA certificate (PEM, DER) or PKCS#12 file")
	f.StringVar(&keyFile, "key", "", "private key file (default: the certificate file)")
	f.StringVar(&passwordEnv, "password-env", "", "environment variable holding the PKCS#12 password")
	f.StringVar(&chainFile, "chain", "", "issuer certificates to include in responses")
	_ = cmd.MarkFlagRequired("cert")
	return cmd
}

// serve runs h on ln until ctx is done.
func (a *app) serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	a.log.Info("time-stamping authority listening", "addr", ln.Addr().String())
	fmt.Fprintf(a.stdout, "Listening on http://%s\n", ln.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
