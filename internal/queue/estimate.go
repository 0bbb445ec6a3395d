package queue

import (
	"encoding/json"
	"fmt"
	"math"
)

// MaxCount caps every count parameter and every image total.
const MaxCount = math.MaxInt32

// EstimateRule predicts how many images a command renders and how long each
// takes.
type EstimateRule struct {
	SecondsPerImage float64
	Images          func(p Params) int
}

// Estimator computes estimated_duration at enqueue time. Rules are keyed by
// command; unknown commands fall back to a generic rule.
type Estimator struct {
	rules map[string]EstimateRule
	// SecondsPerPrompt is the text-generation overhead per dream.
	SecondsPerPrompt float64
	Fallback         EstimateRule
}

// DefaultEstimator carries the stock per-command timings.
func DefaultEstimator() *Estimator {
	return &Estimator{
		SecondsPerPrompt: 7.5,
		Fallback: EstimateRule{
			SecondsPerImage: 40,
			Images:          func(Params) int { return 10 },
		},
		rules: map[string]EstimateRule{
			CommandExploreStyles: {
				SecondsPerImage: 40,
				Images: func(p Params) int {
					return MulCounts(p.Int("dream_count", 5), p.Int("n", 10))
				},
			},
			CommandExploreNarrative: {
				SecondsPerImage: 35,
				Images: func(p Params) int {
					n := MulCounts(p.Int("dream_count", 5), p.Int("seed_count", 1))
					if p.Bool("per_image", false) {
						if sel := p.Len("selected_images"); sel > 0 {
							n = MulCounts(n, sel)
						}
					}
					return n
				},
			},
			CommandRefineStyles: {
				SecondsPerImage: 45,
				Images: func(p Params) int {
					return MulCounts(p.Int("dream_count", 5), p.Int("test_count", 10))
				},
			},
		},
	}
}

// Register adds or replaces the rule for command.
func (e *Estimator) Register(command string, rule EstimateRule) {
	if e.rules == nil {
		e.rules = make(map[string]EstimateRule)
	}
	e.rules[command] = rule
}

func (e *Estimator) rule(command string) (EstimateRule, bool) {
	r, ok := e.rules[command]
	if !ok {
		return e.Fallback, false
	}
	return r, true
}

// ImageCount predicts the number of images a batch renders.
func (e *Estimator) ImageCount(command string, params json.RawMessage) int {
	r, _ := e.rule(command)
	return clampCount(r.Images(ParseParams(params)))
}

// Estimate returns the expected run time in seconds. For commands without a
// rule it returns the fallback estimate together with ErrEstimationFallback.
func (e *Estimator) Estimate(command string, params json.RawMessage) (float64, error) {
	p := ParseParams(params)
	r, known := e.rule(command)
	images := float64(clampCount(r.Images(p)))
	seconds := images*r.SecondsPerImage + float64(p.Int("dream_count", 5))*e.SecondsPerPrompt
	seconds = math.Round(seconds*10) / 10
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return 0, fmt.Errorf("%w: estimate for %q is %v", ErrInvalidRequest, command, seconds)
	}
	if !known {
		return seconds, fmt.Errorf("%w: %q", ErrEstimationFallback, command)
	}
	return seconds, nil
}

// Params is a loosely typed view over batch parameters.
type Params map[string]any

// ParseParams decodes a JSON object; anything else yields an empty view.
func ParseParams(raw json.RawMessage) Params {
	if len(raw) == 0 {
		return Params{}
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil || p == nil {
		return Params{}
	}
	return p
}

// Int returns a positive count, capped at MaxCount, or def.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case float64:
		if v >= MaxCount {
			return MaxCount
		}
		if v > 0 {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return clampCount(int(min(n, MaxCount)))
		}
	}
	return def
}

// MulCounts multiplies counts, saturating at MaxCount.
func MulCounts(a, b int) int {
	a, b = clampCount(a), clampCount(b)
	if a == 0 || b == 0 {
		return 0
	}
	if a > MaxCount/b {
		return MaxCount
	}
	return a * b
}

func clampCount(n int) int {
	switch {
	case n < 0:
		return 0
	case n > MaxCount:
		return MaxCount
	}
	return n
}

func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key].(float64); ok {
		return v
	}
	return def
}

func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Len returns the length of a list parameter, or 0.
func (p Params) Len(key string) int {
	if v, ok := p[key].([]any); ok {
		return len(v)
	}
	return 0
}
