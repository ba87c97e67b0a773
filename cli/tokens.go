package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopades/engine"
	"github.com/georgepadayatti/gopades/sign/token"
)

func (a *app) modulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List PKCS#11 libraries found on this host",
		Long: `List the candidate PKCS#11 libraries in probing order and whether each
one loads. The configured module path is probed first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := a.defaults.PKCS11.Discovery(a.loader, a.log)
			modules, err := d.ListModules(cmd.Context())
			defer func() {
				for _, m := range modules {
					_ = m.Close()
				}
			}()

			loaded := make(map[string]bool)
			for _, m := range modules {
				loaded[m.Path] = true
			}
			var failures map[string]error
			var derr *token.DiscoveryError
			if errors.As(err, &derr) {
				failures = make(map[string]error)
				for _, f := range derr.Failures {
					failures[f.Path] = f.Err
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tSTATUS")
			for _, c := range d.Candidates() {
				status := "not found"
				switch {
				case loaded[c]:
					status = "loaded"
				case failures[c] != nil:
					status = "failed: " + failures[c].Error()
				}
				fmt.Fprintf(w, "%s\t%s\n", c, status)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if len(modules) == 0 {
				if err != nil {
					return err
				}
				return errors.New("no PKCS#11 library found")
			}
			return nil
		},
	}
}

func (a *app) slotsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "slots",
		Short: "List slots and inserted tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			modules, err := a.defaults.PKCS11.Discovery(a.loader, a.log).ListModules(cmd.Context())
			defer func() {
				for _, m := range modules {
					_ = m.Close()
				}
			}()
			if len(modules) == 0 {
				if err == nil {
					err = errors.New("no PKCS#11 library found")
				}
				return err
			}
			if err != nil {
				a.log.Warn("token discovery incomplete", "error", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODULE\tSLOT\tID\tDESCRIPTION\tTOKEN\tSERIAL\tSTATE")
			for _, m := range modules {
				slots, err := m.Slots()
				if err != nil {
					a.log.Warn("module slots unreadable", "module", m.Path, "error", err)
					continue
				}
				for _, s := range slots {
					label, serial, state := "-", "-", "empty"
					if tok, err := s.Token(); err == nil && tok != nil {
						label, serial, state = tok.Label, tok.Serial, tokenState(tok)
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%s\n", m.Path, s.Index, s.ID, s.Description, label, serial, state)
				}
			}
			return w.Flush()
		},
	}
}

func tokenState(t *token.Token) string {
	switch {
	case t.PINLocked:
		return "PIN locked"
	case t.PINFinalTry:
		return "PIN final try"
	case t.PINCountLow:
		return "PIN count low"
	}
	return "ready"
}

func (a *app) certsCommand() *cobra.Command {
	var pinEnv string
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Log in to the configured token and list its certificates",
		Long: `Log in to the token selected by the config and list its certificates.
Private objects are hidden before login, so a PIN is required.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			pin, err := a.pinReader(pinEnv).read(cmd.Context())
			if err != nil {
				return err
			}
			sess, selected, err := e.Open(cmd.Context(), engine.Credentials{PIN: pin})
			if err != nil {
				return err
			}
			defer e.Close(sess)
			certs, err := sess.Certificates()
			if err != nil {
				return err
			}

			now := e.Clock().Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tLABEL\tSERIAL\tSUBJECT\tNOT AFTER\tKEY")
			for _, c := range certs {
				mark := ""
				if c.Certificate.Equal(selected.Certificate) {
					mark = "*"
				}
				key := "no"
				if c.HasKey {
					key = "yes"
				}
				if !c.ValidAt(now) {
					key += " (expired)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", mark, c.IDHex(), c.Label, c.Serial(), c.Subject(),
					c.Certificate.NotAfter.UTC().Format("2006-01-02"), key)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&pinEnv, "pin-env", "", "read the PIN from this environment variable instead of stdin")
	return cmd
}
