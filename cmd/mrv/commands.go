package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/carbonmrv/pkg/config"
	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/registry"
	"github.com/Mindburn-Labs/carbonmrv/pkg/token"
	"github.com/Mindburn-Labs/carbonmrv/pkg/verification"
)

type workflowDoc struct {
	Farm        contracts.FarmRecord  `json:"farm"`
	Observation contracts.Observation `json:"observation"`
	ImageData   []byte                `json:"image_data,omitempty"`
}

func newRunCmd(cfg *config.Config) *cobra.Command {
	var (
		input string
		image string
		batch bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the verification workflow for one farm observation",
		Long: `Reads a workflow document {"farm": ..., "observation": ...} and runs
analysis, registration, storage, eligibility and minting. With --batch the
document is {"items": [workflow, ...]} and items run concurrently.

Use --input - to read from stdin.`,
		Example: `  mrv run --input f1.json
  mrv run --input f1.json --image scene.tif
  mrv run --batch --input season.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readInput(cmd.InOrStdin(), input)
			if err != nil {
				return err
			}
			var scene []byte
			if image != "" {
				if scene, err = os.ReadFile(image); err != nil {
					return fmt.Errorf("read image: %w", err)
				}
			}
			if batch {
				inputs, err := decodeBatch(raw)
				if err != nil {
					return err
				}
				return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
					items, err := a.service.RunBatch(ctx, inputs)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]any{"items": items})
				})
			}

			in, err := decodeWorkflow(raw)
			if err != nil {
				return err
			}
			if scene != nil {
				in.Observation.ImageData = scene
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				res, err := a.service.RunWorkflow(ctx, in.Farm, in.Observation)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Workflow JSON file, or - for stdin (required)")
	cmd.Flags().StringVar(&image, "image", "", "Scene file to store alongside the report")
	cmd.Flags().BoolVar(&batch, "batch", false, "Input is a batch document")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data, nil
}

func decodeWorkflow(raw []byte) (verification.WorkflowInput, error) {
	if err := contracts.ValidateDocument(contracts.SchemaWorkflow, raw); err != nil {
		return verification.WorkflowInput{}, err
	}
	var doc workflowDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return verification.WorkflowInput{}, fmt.Errorf("%w: %v", contracts.ErrInvalidObservation, err)
	}
	doc.Observation.ImageData = doc.ImageData
	return verification.WorkflowInput{Farm: doc.Farm, Observation: doc.Observation}, nil
}

func decodeBatch(raw []byte) ([]verification.WorkflowInput, error) {
	var doc struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	if len(doc.Items) == 0 {
		return nil, errors.New("batch has no items")
	}
	inputs := make([]verification.WorkflowInput, 0, len(doc.Items))
	for i, item := range doc.Items {
		in, err := decodeWorkflow(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func newReportCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "report <report-id>",
		Short: "Show a verification record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				rec, err := a.service.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newListCmd(cfg *config.Config) *cobra.Command {
	var f registry.Filter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List verification records, oldest measurement first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = contracts.Status(status)
			if f.Status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				recs, err := a.service.ListReports(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().StringVar(&f.Owner, "owner", "", "Owner address")
	cmd.Flags().StringVar(&f.FarmID, "farm", "", "Farm id")
	cmd.Flags().StringVar(&status, "status", "", "PENDING, VERIFIED, MINTED or REJECTED")
	return cmd
}

func newAuditCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <report-id>",
		Short: "Re-validate a stored report; exits 1 when it is invalid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				res, err := a.auditor.Audit(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Valid {
					return errAuditFailed
				}
				return nil
			})
		},
	}
}

// recordCmd builds a command that applies op to one report and prints the result.
func recordCmd(cfg *config.Config, use, short string, op func(ctx context.Context, a *app, id string) (contracts.VerificationRecord, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <report-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				rec, err := op(ctx, a, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newStoreCmd(cfg *config.Config) *cobra.Command {
	return recordCmd(cfg, "store", "Store a registered report that has no content id yet",
		func(ctx context.Context, a *app, id string) (contracts.VerificationRecord, error) {
			return a.service.StoreReport(ctx, id)
		})
}

func newMintCmd(cfg *config.Config) *cobra.Command {
	return recordCmd(cfg, "mint", "Mint credits for a stored, eligible report",
		func(ctx context.Context, a *app, id string) (contracts.VerificationRecord, error) {
			return a.service.MintReport(ctx, id)
		})
}

func newRejectCmd(cfg *config.Config) *cobra.Command {
	var reason string
	cmd := recordCmd(cfg, "reject", "Withdraw a report from issuance",
		func(ctx context.Context, a *app, id string) (contracts.VerificationRecord, error) {
			return a.service.RejectReport(ctx, id, reason)
		})
	cmd.Flags().StringVar(&reason, "reason", "rejected by operator", "Reason recorded on the report")
	return cmd
}

func newBalanceCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <address>",
		Short: "Show the credit balance of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				bal, err := a.service.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				minted, err := a.service.TotalCreditsMinted(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"address":              args[0],
					"balance":              bal.String(),
					"symbol":               a.service.TokenInfo().Symbol,
					"total_credits_minted": minted,
				})
			})
		},
	}
}

func newTransferCmd(cfg *config.Config) *cobra.Command {
	var from, to, amount string
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move credits between holders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			amt, err := token.ParseAmount(amount)
			if err != nil {
				return err
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				tx, err := a.service.Transfer(ctx, from, to, amt)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"tx_id": tx, "amount": amt.String()})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sender address")
	cmd.Flags().StringVar(&to, "to", "", "Recipient address")
	cmd.Flags().StringVar(&amount, "amount", "", "Tonnes, e.g. 12.5")
	for _, f := range []string{"from", "to", "amount"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newRetireCmd(cfg *config.Config) *cobra.Command {
	var holder, amount, reason string
	cmd := &cobra.Command{
		Use:   "retire",
		Short: "Permanently retire credits against an offset claim",
		RunE: func(cmd *cobra.Command, _ []string) error {
			amt, err := token.ParseAmount(amount)
			if err != nil {
				return err
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				tx, err := a.service.Retire(ctx, holder, amt, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"tx_id": tx, "amount": amt.String()})
			})
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "Holder address")
	cmd.Flags().StringVar(&amount, "amount", "", "Tonnes, e.g. 12.5")
	cmd.Flags().StringVar(&reason, "reason", "", "Offset claim reference")
	_ = cmd.MarkFlagRequired("holder")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newTokenCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Show token metadata",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(_ context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.service.TokenInfo())
			})
		},
	}
}

func newDocumentCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "document <report-id>",
		Short: "Fetch the stored record envelope and its gateway URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				doc, err := a.service.ReportDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), doc)
			})
		},
	}
}

func newJournalCmd(cfg *config.Config) *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print the ledger journal and verify its hash chain; exits 1 when broken",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				st, err := a.service.Journal(ctx)
				if err != nil {
					return err
				}
				out := any(st)
				if summary {
					out = map[string]any{"entries": len(st.Entries), "valid": st.Valid, "problem": st.Problem}
				}
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				if !st.Valid {
					return errJournalBroken
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "Print only the entry count and verification result")
	return cmd
}
