package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/0xvermeer/lbkeeper/internal/llm"
	"github.com/0xvermeer/lbkeeper/internal/logger"
	"github.com/0xvermeer/lbkeeper/internal/types"
)

// LLMAdvisor asks a language model to review each rebalance plan. The model
// answers with a small JSON verdict; anything it returns that we cannot parse
// or that fails validation is treated as approval, because a flaky advisor
// must never be able to stall the keeper.
type LLMAdvisor struct {
	client llm.Client
	logger zerolog.Logger
}

// NewLLMAdvisor wraps an LLM client as an Advisor.
func NewLLMAdvisor(client llm.Client) *LLMAdvisor {
	return &LLMAdvisor{
		client: client,
		logger: logger.GetForComponent("llm_advisor"),
	}
}

func (a *LLMAdvisor) Name() string {
	return "llm:" + a.client.Name()
}

// verdict is the JSON shape the model is instructed to answer with.
type verdict struct {
	Action     string `json:"action"` // approve | veto | adjust
	TargetLow  int32  `json:"target_low,omitempty"`
	TargetHigh int32  `json:"target_high,omitempty"`
	Rationale  string `json:"rationale,omitempty"`
}

const promptTemplate = `You are reviewing a proposed liquidity rebalance on a Trader Joe Liquidity Book pool.

Current active bin: %d
Proposed plan: withdraw from bins %v, redeposit into range [%d, %d] (%d bins), swap needed: %t.
Reason given: %s

Reply with exactly one JSON object and nothing else:
{"action":"approve"} to let the plan run,
{"action":"veto","rationale":"..."} to cancel it this cycle,
{"action":"adjust","target_low":N,"target_high":M,"rationale":"..."} to shift the target range.
Adjustments must keep the range centered near the active bin.`

// Advise sends the plan to the model and parses its verdict.
func (a *LLMAdvisor) Advise(ctx context.Context, plan *types.RebalancePlan, active types.BinID) (*Advice, error) {
	prompt := fmt.Sprintf(promptTemplate,
		active, plan.SourceBins, plan.TargetLow, plan.TargetHigh, plan.Width(), plan.NeedsSwap, plan.Reason)

	raw, err := a.client.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("advisor completion: %w", err)
	}

	advice, err := parseVerdict(raw)
	if err != nil {
		a.logger.Warn().Err(err).Str("raw", truncate(raw, 200)).Msg("Unparseable advisor verdict, treating as approval")
		return &Advice{Rationale: "unparseable verdict"}, nil
	}
	return advice, nil
}

// parseVerdict extracts the JSON verdict from the model output. Models often
// wrap JSON in prose or code fences, so we parse the first {...} span found.
func parseVerdict(raw string) (*Advice, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in output")
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(v.Action)) {
	case "approve":
		return &Advice{Rationale: v.Rationale}, nil
	case "veto":
		return &Advice{Veto: true, Rationale: v.Rationale}, nil
	case "adjust":
		return &Advice{
			Adjusted:   true,
			TargetLow:  types.BinID(v.TargetLow),
			TargetHigh: types.BinID(v.TargetHigh),
			Rationale:  v.Rationale,
		}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", v.Action)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
