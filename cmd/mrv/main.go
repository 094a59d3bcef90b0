// Command mrv runs the carbon credit verification pipeline: as an HTTP
// service with "serve", or one operation at a time from the shell.
//
// Exit codes:
//
//	0 = success
//	1 = audit found the report invalid, or the ledger journal did not verify
//	2 = usage or runtime error
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/carbonmrv/pkg/config"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

var (
	// errAuditFailed marks an audit that completed but rejected the report.
	errAuditFailed = errors.New("audit failed")
	// errJournalBroken marks a journal read that completed but did not verify.
	errJournalBroken = errors.New("ledger journal failed verification")
)

// Run is the testable entrypoint.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(config.Load())
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(context.Background())
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errAuditFailed), errors.Is(err, errJournalBroken):
		return 1
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "mrv",
		Short: "Carbon credit measurement, reporting and verification",
		Long: `mrv turns satellite observations of registered farms into verified,
content-addressed sequestration reports and mints carbon credits for the
ones that pass the methodology's eligibility rules.

Backends are selected with environment variables (REGISTRY_BACKEND,
LEDGER_BACKEND, DATABASE_URL, ARTIFACT_STORAGE_TYPE, ...). The methodology
profile is read from METHODOLOGY_PROFILE or --profile.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(),
				&slog.HandlerOptions{Level: cfg.SlogLevel()})))
		},
	}
	root.PersistentFlags().StringVar(&cfg.ProfilePath, "profile", cfg.ProfilePath, "Methodology profile YAML")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "DEBUG, INFO, WARN or ERROR")

	root.AddCommand(
		newServeCmd(cfg),
		newRunCmd(cfg),
		newReportCmd(cfg),
		newListCmd(cfg),
		newAuditCmd(cfg),
		newStoreCmd(cfg),
		newMintCmd(cfg),
		newRejectCmd(cfg),
		newBalanceCmd(cfg),
		newTransferCmd(cfg),
		newRetireCmd(cfg),
		newTokenCmd(cfg),
		newDocumentCmd(cfg),
		newJournalCmd(cfg),
	)
	return root
}

// withApp wires the pipeline for the duration of fn.
func withApp(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil {
			slog.Warn("shutdown", "component", "mrv", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
