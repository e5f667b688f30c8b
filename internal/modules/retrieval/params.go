package retrieval

import (
	"math"
	"sort"

	"github.com/yungbote/askpdf-backend/internal/platform/envutil"
)

type Scope int

const (
	ScopeDocument Scope = iota
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "document"
}

type Config struct {
	BaseTopK            int     `yaml:"top_k"`
	MaxTopK             int     `yaml:"top_k_max"`
	GlobalAlpha         float64 `yaml:"global_alpha"`
	MinK                int     `yaml:"min_k"`
	ScoreThreshold      float64 `yaml:"score_threshold"`
	CandidateMultiplier int     `yaml:"candidate_multiplier"`
	// CoverageBreakpoints are the per-document chunk counts at which a
	// document's coverage weight steps up by one.
	CoverageBreakpoints []int `yaml:"coverage_breakpoints"`
}

func DefaultConfig() Config {
	return Config{
		BaseTopK:            5,
		MaxTopK:             20,
		GlobalAlpha:         1.0,
		MinK:                2,
		ScoreThreshold:      0.3,
		CandidateMultiplier: 3,
		CoverageBreakpoints: []int{2, 5},
	}
}

// ApplyEnv overrides fields with any RAG_* variables that are set.
func (c Config) ApplyEnv() Config {
	c.BaseTopK = envutil.Int("RAG_TOP_K", c.BaseTopK)
	c.MaxTopK = envutil.Int("RAG_TOP_K_MAX", c.MaxTopK)
	c.GlobalAlpha = envutil.Float("RAG_GLOBAL_ALPHA", c.GlobalAlpha)
	c.MinK = envutil.Int("RAG_MIN_K", c.MinK)
	c.ScoreThreshold = envutil.Float("RAG_SCORE_THRESHOLD", c.ScoreThreshold)
	c.CandidateMultiplier = envutil.Int("RAG_CANDIDATE_MULTIPLIER", c.CandidateMultiplier)
	c.CoverageBreakpoints = envutil.Ints("RAG_COVERAGE_BREAKPOINTS", c.CoverageBreakpoints)
	return c.normalized()
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxTopK < 1 {
		c.MaxTopK = d.MaxTopK
	}
	if c.BaseTopK < 1 {
		c.BaseTopK = d.BaseTopK
	}
	if c.GlobalAlpha < 0 {
		c.GlobalAlpha = 0
	}
	if c.CandidateMultiplier < 1 {
		c.CandidateMultiplier = 1
	}
	if len(c.CoverageBreakpoints) == 0 {
		c.CoverageBreakpoints = d.CoverageBreakpoints
	}
	bps := append([]int(nil), c.CoverageBreakpoints...)
	sort.Ints(bps)
	c.CoverageBreakpoints = bps
	return c
}

type Params struct {
	TopK      int     `json:"top_k"`
	MinK      int     `json:"min_k"`
	Threshold float64 `json:"threshold"`
}

// Resolve turns a request's top_k into the effective parameters. Global
// queries widen top_k by ceil(alpha*sqrt(documentCount)), never past MaxTopK.
func Resolve(cfg Config, requestedTopK *int, scope Scope, documentCount int) Params {
	cfg = cfg.normalized()
	topK := cfg.BaseTopK
	if requestedTopK != nil {
		topK = *requestedTopK
	}
	topK = clamp(topK, 1, cfg.MaxTopK)
	if scope == ScopeGlobal && documentCount > 0 {
		growth := int(math.Ceil(cfg.GlobalAlpha * math.Sqrt(float64(documentCount))))
		topK = min(cfg.MaxTopK, topK+growth)
	}
	return Params{
		TopK:      topK,
		MinK:      clamp(cfg.MinK, 0, topK),
		Threshold: math.Max(cfg.ScoreThreshold, 0),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
