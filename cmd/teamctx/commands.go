package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hatemosphere/teamctx/internal/config"
	"github.com/hatemosphere/teamctx/internal/identity"
	"github.com/hatemosphere/teamctx/internal/session"
	"github.com/hatemosphere/teamctx/internal/team"
)

// withApp runs fn with a wired app. timeout is read when the command runs,
// after flag parsing; nil or zero means no deadline beyond the command's context.
func withApp(cfg *config.ClientConfig, timeout *time.Duration, fn func(ctx context.Context, cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if timeout != nil && *timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *timeout)
			defer cancel()
		}
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, args, a)
	}
}

// initialize resolves the session and loads its team context.
func (a *app) initialize(ctx context.Context) error {
	if err := a.store.Initialize(ctx); err != nil {
		return err
	}
	if a.store.Phase() == session.PhaseAuthenticated {
		a.store.LoadTeamContext(ctx)
	}
	return nil
}

func newStatusCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the signed-in user and current team",
		Args:  cobra.NoArgs,
		RunE: withApp(cfg, &cfg.Timeout, func(ctx context.Context, cmd *cobra.Command, _ []string, a *app) error {
			if err := a.initialize(ctx); err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), a.store.State())
			return nil
		}),
	}
}

func newSwitchCmd(cfg *config.ClientConfig) *cobra.Command {
	var printToken bool
	cmd := &cobra.Command{
		Use:   "switch <team id or slug>",
		Short: "Make another team your current team",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(cfg, &cfg.Timeout, func(ctx context.Context, cmd *cobra.Command, args []string, a *app) error {
			if err := a.initialize(ctx); err != nil {
				return err
			}
			before := a.store.Session()
			if err := a.store.SwitchTeam(ctx, resolveTeam(a.store.TeamContext(), args[0])); err != nil {
				return err
			}
			st := a.store.State()
			printState(cmd.OutOrStdout(), st)
			if printToken && st.Session != nil && before != nil && st.Session.AccessToken != before.AccessToken {
				fmt.Fprintf(cmd.OutOrStdout(), "token:\t%s\n", st.Session.AccessToken)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&printToken, "print-token", false, "print the team-bound access token returned by the backend")
	return cmd
}

// resolveTeam maps a slug to its team ID. Unknown values are passed through
// so the backend reports them.
func resolveTeam(tc team.Context, arg string) string {
	if _, ok := tc.Find(arg); ok {
		return arg
	}
	for _, t := range tc.Teams {
		if t.Slug == arg {
			return t.ID
		}
	}
	return arg
}

func newLogoutCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: withApp(cfg, &cfg.Timeout, func(ctx context.Context, cmd *cobra.Command, _ []string, a *app) error {
			if err := a.logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		}),
	}
}

// logout signs out even when the stored session can't be resolved, so a
// revoked or corrupt session never leaves the user stuck.
func (a *app) logout(ctx context.Context) error {
	if err := a.store.Initialize(ctx); err != nil {
		slog.Warn("signing out without a resolved session", "error", err)
	}
	return a.store.SignOut(ctx)
}

func newLoginCmd(cfg *config.ClientConfig) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in through the OIDC provider in a browser",
		Args:  cobra.NoArgs,
		RunE:  withApp(cfg, &wait, runLogin),
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for the browser sign-in")
	return cmd
}

type callbackResult struct {
	code string
	err  error
}

func runLogin(ctx context.Context, cmd *cobra.Command, _ []string, a *app) error {
	if a.oidc == nil {
		return errors.New("login needs --oidc-issuer and --oidc-client-id")
	}
	out := cmd.OutOrStdout()

	ln, err := net.Listen("tcp", a.cfg.CallbackAddr)
	if err != nil {
		return fmt.Errorf("listen for callback: %w", err)
	}
	redirectURI := "http://" + ln.Addr().String() + "/callback"
	state := uuid.NewString()
	authURL, nonce := a.oidc.AuthCodeURL(redirectURI, state)

	results := make(chan callbackResult, 1)
	var once sync.Once
	srv := &http.Server{
		Handler:           callbackHandler(state, func(r callbackResult) { once.Do(func() { results <- r }) }),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	fmt.Fprintf(out, "Open this URL to sign in:\n  %s\n", authURL)

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return fmt.Errorf("waiting for sign-in: %w", ctx.Err())
	}
	if res.err != nil {
		return res.err
	}

	sess, err := a.oidc.ExchangeCode(ctx, res.code, redirectURI, nonce)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "signed in as %s\n", sess.User.ID)

	if err := a.initialize(ctx); err != nil {
		return err
	}
	printState(out, a.store.State())
	return nil
}

// callbackHandler serves the OAuth2 redirect and reports the code once.
func callbackHandler(state string, report func(callbackResult)) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		case q.Get("error") != "":
			report(callbackResult{err: fmt.Errorf("sign-in failed: %s %s", q.Get("error"), q.Get("error_description"))})
			http.Error(w, "sign-in failed", http.StatusBadRequest)
			return
		case q.Get("code") == "":
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		report(callbackResult{code: q.Get("code")})
		fmt.Fprintln(w, "Signed in. You can close this window.")
	})
	return mux
}

func newWatchCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the session state every time it changes",
		Args:  cobra.NoArgs,
		RunE: withApp(cfg, nil, func(ctx context.Context, cmd *cobra.Command, _ []string, a *app) error {
			out := cmd.OutOrStdout()
			var mu sync.Mutex
			var last uint64
			cancel := a.store.Subscribe(func(st session.State) {
				mu.Lock()
				defer mu.Unlock()
				if st.Version <= last {
					return
				}
				last = st.Version
				fmt.Fprintf(out, "--- %s (v%d)\n", st.Phase(), st.Version)
				printState(out, st)
			})
			defer cancel()

			if a.oidc != nil && cfg.RefreshInterval > 0 {
				r := identity.NewAutoRefresher(a.oidc, cfg.RefreshInterval)
				defer r.Shutdown()
			}
			if err := a.store.Initialize(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}),
	}
}

func printState(w io.Writer, st session.State) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if st.User == nil {
		fmt.Fprintln(tw, "not signed in")
		if st.Err != nil {
			fmt.Fprintf(tw, "error:\t%v\n", st.Err)
		}
		return
	}
	fmt.Fprintf(tw, "user:\t%s\t%s\t%s\n", st.User.ID, st.User.Email, st.User.Role)
	if cur, ok := st.TeamContext.Find(st.TeamContext.CurrentTeamID); ok {
		fmt.Fprintf(tw, "team:\t%s\t%s\t%s\n", cur.Name, cur.Slug, st.TeamContext.CurrentTeamRole)
	} else {
		fmt.Fprintln(tw, "team:\t-")
	}
	for _, t := range st.TeamContext.Teams {
		marker := " "
		if t.ID == st.TeamContext.CurrentTeamID {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", marker, t.ID, t.Name, t.Slug, t.Role)
	}
	if st.Err != nil {
		fmt.Fprintf(tw, "error:\t%v\n", st.Err)
	}
}
