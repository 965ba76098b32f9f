// Package authcmd implements the `memlink auth` command group.
package authcmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/go-ports/memlink/cmd/memlink/shared"
	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/credential"
	"github.com/go-ports/memlink/internal/session"
)

// VendorKeyEnv supplies the vendor key when no login flag is given.
const VendorKeyEnv = "MEMLINK_VENDOR_KEY"

// Command implements `memlink auth`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the auth command group.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "auth",
		Short: "Sign in, check and clear the stored credential",
	}
	c.cmd.AddCommand(
		newLogin(ctx),
		newLogout(ctx),
		newStatus(ctx),
		newValidate(ctx),
		newDiagnose(ctx),
	)
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

// ---------------------------------------------------------------------------
// auth login
// ---------------------------------------------------------------------------

func newLogin(ctx *shared.Context) *cobra.Command {
	var (
		vendorKey  string
		jwt        string
		useOAuth   bool
		skipVerify bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a vendor key, JWT or OAuth token",
		Long: "Store a credential for memlink. Exactly one of --vendor-key, --jwt or --oauth is used; " +
			"without flags the vendor key is read from " + VendorKeyEnv + ".",
		RunE: func(cmd *cobra.Command, _ []string) error {
			given := 0
			for _, set := range []bool{vendorKey != "", jwt != "", useOAuth} {
				if set {
					given++
				}
			}
			if given > 1 {
				return apperr.Validation("auth.login", errors.New("use only one of --vendor-key, --jwt and --oauth"))
			}
			if given == 0 {
				vendorKey = strings.TrimSpace(os.Getenv(VendorKeyEnv))
				if vendorKey == "" {
					return apperr.Validation("auth.login", errors.New(credential.MsgVendorKeyRequired)).
						WithHint("pass --vendor-key, --jwt or --oauth, or set " + VendorKeyEnv)
				}
			}

			prefs, err := ctx.Preferences()
			if err != nil {
				return err
			}
			if _, err := ctx.EnsureHome(); err != nil {
				return err
			}
			sess, err := ctx.Session()
			if err != nil {
				return err
			}
			opts := session.SetOptions{SkipVerify: skipVerify || !prefs.Auth.Verify}
			out := cmd.OutOrStdout()

			switch {
			case useOAuth:
				err = sess.LoginOAuth(cmd.Context(), func(da *oauth2.DeviceAuthResponse) {
					uri := da.VerificationURIComplete
					if uri == "" {
						uri = da.VerificationURI
					}
					fmt.Fprintf(out, "Open %s and enter code %s\n", uri, da.UserCode)
					fmt.Fprintln(out, "Waiting for approval...")
				})
			case jwt != "":
				err = sess.LoginJWT(cmd.Context(), jwt, opts)
			default:
				err = sess.LoginVendorKey(cmd.Context(), vendorKey, opts)
			}
			if err != nil {
				return err
			}

			st, err := sess.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Signed in with %s %s\n", st.Method, st.Credential)
			if opts.SkipVerify && !useOAuth {
				fmt.Fprintln(out, "Credential stored without server verification.")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&vendorKey, "vendor-key", "", "Vendor key of the form pk_<public>.sk_<secret>")
	f.StringVar(&jwt, "jwt", "", "JWT access token")
	f.BoolVar(&useOAuth, "oauth", false, "Sign in through the browser with the OAuth device flow")
	f.BoolVar(&skipVerify, "skip-verify", false, "Store the credential without confirming it with the server")
	return cmd
}

// ---------------------------------------------------------------------------
// auth logout
// ---------------------------------------------------------------------------

func newLogout(ctx *shared.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := ctx.Session()
			if err != nil {
				return err
			}
			if err := sess.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// auth status
// ---------------------------------------------------------------------------

func newStatus(ctx *shared.Context) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored credential and failure state without contacting the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := ctx.Session()
			if err != nil {
				return err
			}
			st, err := sess.Status(cmd.Context())
			if err != nil {
				return err
			}
			return shared.Print(cmd.OutOrStdout(), st, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of YAML")
	return cmd
}

// ---------------------------------------------------------------------------
// auth validate
// ---------------------------------------------------------------------------

func newValidate(ctx *shared.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Re-check the stored credential with the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := ctx.Session()
			if err != nil {
				return err
			}
			ok, err := sess.ValidateStoredCredentials(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return apperr.Auth("auth.validate", session.ErrNotAuthenticated).
					WithHint("sign in with `memlink auth login`")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Credential is valid.")
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// auth diagnose
// ---------------------------------------------------------------------------

func newDiagnose(ctx *shared.Context) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Run the session, discovery and server checks in order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := ctx.Session()
			if err != nil {
				return err
			}
			api, err := ctx.MemoryAPI()
			if err != nil {
				return err
			}
			checks := sess.Diagnose(cmd.Context(), api.Probe())

			out := cmd.OutOrStdout()
			if asJSON {
				if err := shared.Print(out, checks, true); err != nil {
					return err
				}
			} else {
				for _, ch := range checks {
					fmt.Fprintf(out, "[%s] %s", ch.Status, ch.Name)
					if ch.Detail != "" {
						fmt.Fprintf(out, ": %s", ch.Detail)
					}
					fmt.Fprintln(out)
				}
			}

			failed := 0
			for _, ch := range checks {
				if ch.Status == session.CheckFail {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d checks failed", failed, len(checks))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")
	return cmd
}
