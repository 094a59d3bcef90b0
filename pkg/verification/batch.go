package verification

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// WorkflowInput is one farm observation to process.
type WorkflowInput struct {
	Farm        contracts.FarmRecord  `json:"farm"`
	Observation contracts.Observation `json:"observation"`
}

// BatchItem is the outcome of one input. Exactly one of Result and Error is set,
// except that a registered report that stopped early carries both.
type BatchItem struct {
	Index  int                       `json:"index"`
	Result *contracts.WorkflowResult `json:"result,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

// RunBatch runs independent workflows concurrently, at most the configured
// concurrency at a time. One input failing does not stop the others. Items
// not started before ctx is done are reported with ctx's error.
func (s *Service) RunBatch(ctx context.Context, inputs []WorkflowInput) ([]BatchItem, error) {
	items := make([]BatchItem, len(inputs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i, in := range inputs {
		items[i].Index = i
		if err := ctx.Err(); err != nil {
			items[i].Error = err.Error()
			continue
		}
		g.Go(func() error {
			res, err := s.RunWorkflow(ctx, in.Farm, in.Observation)
			items[i].Result = res
			switch {
			case err != nil:
				items[i].Error = err.Error()
			case res != nil && res.Error != "":
				items[i].Error = res.Error
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoContext(ctx, "batch complete", "inputs", len(inputs))
	return items, ctx.Err()
}
