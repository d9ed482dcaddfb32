// Package metrics derives run-level cost and latency summaries from a
// run's trace events. It replaces ad-hoc log scraping: everything here is
// computed from structured events, so the numbers are exact rather than
// regex guesses.
package metrics

import (
	"github.com/ashita-ai/kiroku/internal/schema"
)

// Estimation constants. Crude by intent: they give a comparable number per
// run, not an invoice.
const (
	costPerCallUSD = 0.002
	co2PerCallSecs = 0.0005 // kg CO2 per model-call-second
)

// StepMetrics aggregates one step's recorded work.
type StepMetrics struct {
	StepID           string  `json:"step_id"`
	Name             string  `json:"name"`
	LatencyS         float64 `json:"latency_s"`
	ModelCalls       int     `json:"model_calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
}

// Report is the run-level rollup.
type Report struct {
	RunID            string        `json:"run_id"`
	Agent            string        `json:"agent"`
	StepCount        int           `json:"step_count"`
	RuntimeS         float64       `json:"end_to_end_runtime_s"`
	ModelCalls       int           `json:"model_calls"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	ModelLatencyS    float64       `json:"model_latency_s"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	EstimatedCO2Kg   float64       `json:"estimated_co2_kg"`
	Steps            []StepMetrics `json:"steps"`
}

// Summarize rolls a run's events up into a Report. Duplicate model.call
// events for one call id collapse to the last one, matching how replay
// treats repeated calls. Runs without a run.finished get their runtime from
// the last event seen.
func Summarize(runID string, events []schema.Event) Report {
	rep := Report{RunID: runID}

	var startMs, endMs int64
	steps := make(map[string]*StepMetrics)
	var stepOrder []string
	// call id -> authoritative (last) model.call event
	calls := make(map[string]schema.Event)
	var callOrder []string

	for _, ev := range events {
		if ev.TsMs > endMs {
			endMs = ev.TsMs
		}
		switch ev.Type {
		case schema.EventRunStarted:
			if startMs == 0 {
				startMs = ev.TsMs
				rep.Agent = ev.Agent
			}
		case schema.EventStepStarted:
			if _, ok := steps[ev.StepID]; !ok {
				stepOrder = append(stepOrder, ev.StepID)
				steps[ev.StepID] = &StepMetrics{StepID: ev.StepID, Name: ev.Name}
			}
		case schema.EventStepFinished:
			s, ok := steps[ev.StepID]
			if !ok {
				stepOrder = append(stepOrder, ev.StepID)
				s = &StepMetrics{StepID: ev.StepID, Name: ev.Name}
				steps[ev.StepID] = s
			}
			if ev.DurationMs != nil {
				s.LatencyS = float64(*ev.DurationMs) / 1000
			}
		case schema.EventModelCall:
			if _, ok := calls[ev.CallID]; !ok {
				callOrder = append(callOrder, ev.CallID)
			}
			calls[ev.CallID] = ev
		}
	}

	for _, id := range callOrder {
		ev := calls[id]
		rep.ModelCalls++
		if ev.Tokens != nil {
			rep.PromptTokens += ev.Tokens.Prompt
			rep.CompletionTokens += ev.Tokens.Completion
		}
		var latencyS float64
		if ev.LatencyMs != nil {
			latencyS = float64(*ev.LatencyMs) / 1000
		}
		rep.ModelLatencyS += latencyS

		if s, ok := steps[ev.StepID]; ok {
			s.ModelCalls++
			if ev.Tokens != nil {
				s.PromptTokens += ev.Tokens.Prompt
				s.CompletionTokens += ev.Tokens.Completion
			}
		}
	}

	if startMs > 0 && endMs >= startMs {
		rep.RuntimeS = float64(endMs-startMs) / 1000
	}
	rep.StepCount = len(steps)
	rep.EstimatedCostUSD = float64(rep.ModelCalls) * costPerCallUSD
	rep.EstimatedCO2Kg = rep.ModelLatencyS * float64(rep.ModelCalls) * co2PerCallSecs

	rep.Steps = make([]StepMetrics, 0, len(stepOrder))
	for _, id := range stepOrder {
		rep.Steps = append(rep.Steps, *steps[id])
	}
	return rep
}
