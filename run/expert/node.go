package expert

import (
	"context"
	"time"

	"github.com/skeinworks/skein/run"
	"github.com/skeinworks/skein/run/state"
)

// Node builds an expert node around an analyst. The compose function
// renders the analysis request from the snapshot; the finding is
// appended to the conversation as an assistant message, and incremental
// output streams on the token channel as it arrives.
func Node(analyst Analyst, compose func(snapshot *state.RunState) Request) run.Node {
	return run.NodeFunc(func(ctx context.Context, snapshot *state.RunState, rc *run.RunContext) run.NodeResult {
		req := compose(snapshot)
		if req.History == nil {
			req.History = snapshot.Messages
		}
		req.OnToken = func(text string) { rc.EmitToken(text) }

		finding, err := analyst.Analyze(ctx, req)
		if err != nil {
			return run.NodeResult{Err: err}
		}

		rc.EmitCustom("analysis_done", map[string]any{
			"provider": analyst.Name(),
			"tokens":   finding.TokensUsed,
		})
		return run.NodeResult{
			Delta: state.Update{
				Messages: []state.Message{{
					Role:    "assistant",
					Content: finding.Text,
					At:      time.Now().UTC(),
				}},
			},
		}
	})
}
