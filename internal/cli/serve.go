package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rasheedb1/cadence/internal/accounts"
	"github.com/rasheedb1/cadence/internal/api"
	"github.com/rasheedb1/cadence/internal/content"
	"github.com/rasheedb1/cadence/internal/executor"
)

type serveOptions struct {
	listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the executor and enrollment HTTP API",
		Long: `Serve the HTTP API until interrupted. Account linking routes are
mounted when provider.base_url is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address; overrides api.listen")
	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	var serverOpts []api.ServerOption
	if a.cfg.Provider.BaseURL != "" {
		client, err := a.providerClient()
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, api.WithLinker(a.linker(client)))
	} else {
		slog.Warn("provider.base_url not set; account linking disabled")
	}

	addr := a.cfg.API.Listen
	if opts.listen != "" {
		addr = opts.listen
	}
	srv := api.NewServer(a.engine, a.store, serverOpts...)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return WrapExitError(ExitFailure, "serve", err)
	}
	return nil
}

type workOptions struct {
	once bool
}

// NewWorkCommand creates the work command.
func NewWorkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &workOptions{}
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Execute due steps through the messaging provider",
		Long: `Poll for due steps, generate their content and send them through the
provider until interrupted. Delay steps are resolved on every poll.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(cmd.Context(), rootOpts, opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single pass and exit")
	return cmd
}

func runWork(ctx context.Context, rootOpts *RootOptions, opts *workOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := rootOpts.formatter(cmd)
	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := a.providerClient()
	if err != nil {
		return err
	}
	key, err := a.cfg.ContentAPIKey()
	if err != nil {
		return WrapExitError(ExitCommandError, "content api key", err)
	}
	gen := content.NewOpenAI(key, a.cfg.Content.Model, a.cfg.Content.BaseURL)
	w := executor.New(a.engine, a.store, gen, client, a.cfg.ChannelProviders(),
		executor.WithBatchSize(a.cfg.Executor.BatchSize),
		executor.WithPollInterval(a.cfg.Executor.PollInterval),
		executor.WithConcurrency(a.cfg.Executor.Concurrency),
	)

	if opts.once {
		stats, err := w.RunOnce(ctx)
		if err != nil {
			return reportRuntimeError(formatter, err)
		}
		return formatter.Success(stats, func(out io.Writer) { printStats(out, stats) })
	}

	err = w.Run(ctx)
	stats := w.Stats()
	slog.Info("worker stopped", "sent", stats.Sent, "failed", stats.Failed, "deferred", stats.Deferred)
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "work", err)
	}
	return formatter.Success(stats, func(out io.Writer) { printStats(out, stats) })
}

func printStats(w io.Writer, s executor.Stats) {
	fmt.Fprintf(w, "delays %d, claimed %d, sent %d, failed %d, skipped %d, deferred %d, paused %d\n",
		s.Delays, s.Claimed, s.Sent, s.Failed, s.Skipped, s.Deferred, s.Paused)
}

type linkConfirmOptions struct {
	account string
	attempt int64
	status  string
	reason  string
}

// NewLinkCommand creates the link command group.
func NewLinkCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link provider accounts that channels send through",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start <provider>",
		Short: "Begin a link attempt and print the hosted auth URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLinkStart(cmd.Context(), rootOpts, args[0], cmd)
		},
	})

	opts := &linkConfirmOptions{}
	confirm := &cobra.Command{
		Use:   "confirm <provider>",
		Short: "Resolve a link attempt once the provider redirected back",
		Long: `Resolve a link attempt. A success callback polls the provider until
the account is usable or the provider's readiness deadline passes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLinkConfirm(cmd.Context(), rootOpts, opts, args[0], cmd)
		},
	}
	confirm.Flags().StringVar(&opts.account, "account", "", "account id from the callback")
	confirm.Flags().Int64Var(&opts.attempt, "attempt", 0, "link attempt from the callback")
	confirm.Flags().StringVar(&opts.status, "status", "success", "callback status (success|failure)")
	confirm.Flags().StringVar(&opts.reason, "reason", "", "failure reason reported by the provider")
	cmd.AddCommand(confirm)

	return cmd
}

func runLinkStart(ctx context.Context, rootOpts *RootOptions, providerName string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := rootOpts.formatter(cmd)
	scope, err := rootOpts.Scope()
	if err != nil {
		return err
	}
	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()
	client, err := a.providerClient()
	if err != nil {
		return err
	}

	res, err := a.linker(client).Start(ctx, scope, providerName)
	if err != nil {
		return reportLinkError(formatter, err)
	}
	return formatter.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "attempt %d for %s account %s\nopen: %s\n", res.Account.LinkAttempt, providerName, res.Account.ID, res.URL)
	})
}

func runLinkConfirm(ctx context.Context, rootOpts *RootOptions, opts *linkConfirmOptions, providerName string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := rootOpts.formatter(cmd)
	scope, err := rootOpts.Scope()
	if err != nil {
		return err
	}
	cb, err := accounts.ParseCallback(url.Values{
		"account": {opts.account},
		"attempt": {strconv.FormatInt(opts.attempt, 10)},
		"status":  {opts.status},
		"reason":  {opts.reason},
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid callback", err)
	}

	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()
	client, err := a.providerClient()
	if err != nil {
		return err
	}

	res, err := a.linker(client).Confirm(ctx, scope, providerName, cb)
	if err != nil {
		return reportLinkError(formatter, err)
	}
	if err := formatter.Success(res.Account, func(w io.Writer) {
		fmt.Fprintf(w, "%s account %s: %s (%s)\n", providerName, res.Account.ID, res.Account.Status, res.Outcome)
	}); err != nil {
		return err
	}
	if !res.Outcome.OK() {
		return NewExitError(ExitFailure, res.Outcome.String())
	}
	return nil
}

func reportLinkError(f *OutputFormatter, err error) error {
	switch {
	case errors.Is(err, accounts.ErrUnknownProvider):
		_ = f.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeNotFound, err)
	case errors.Is(err, accounts.ErrSuperseded):
		_ = f.Error(ErrCodeRuntime, err.Error(), nil)
		return WrapExitError(ExitFailure, ErrCodeRuntime, err)
	}
	return reportRuntimeError(f, err)
}
