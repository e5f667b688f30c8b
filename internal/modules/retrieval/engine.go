package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/modules/usage"
	"github.com/yungbote/askpdf-backend/internal/observability"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
)

type Match struct {
	repos.ChunkMatch
	AboveThreshold bool `json:"above_threshold"`
}

type RetrieveInput struct {
	Owner      uuid.UUID
	DocumentID *uuid.UUID
	Embedding  []float32
	Params     Params
}

func (in RetrieveInput) Scope() Scope {
	if in.DocumentID == nil {
		return ScopeGlobal
	}
	return ScopeDocument
}

type Result struct {
	Matches   []Match `json:"matches"`
	BestScore float64 `json:"best_score"`
	Coverage  int     `json:"coverage"`
	Params    Params  `json:"params"`
}

type Engine struct {
	log    *logger.Logger
	cfg    Config
	chunks repos.ChunkRepo
	parser parser.Client
	usage  usage.Recorder
}

func NewEngine(baseLog *logger.Logger, cfg Config, chunks repos.ChunkRepo, pc parser.Client, rec usage.Recorder) *Engine {
	return &Engine{
		log:    baseLog.With("service", "RetrievalEngine"),
		cfg:    cfg.normalized(),
		chunks: chunks,
		parser: pc,
		usage:  rec,
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Retrieve ranks the owner's ready chunks against the query embedding and
// selects the context set.
func (e *Engine) Retrieve(ctx context.Context, in RetrieveInput) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "retrieval.retrieve",
		attribute.String("scope", in.Scope().String()),
		attribute.Int("top_k", in.Params.TopK))
	defer func() { observability.EndSpan(span, err) }()

	if len(in.Embedding) == 0 {
		return Result{}, fmt.Errorf("empty query embedding: %w", pkgerrors.ErrInvalidArgument)
	}
	p := in.Params
	if p.TopK < 1 {
		p = Resolve(e.cfg, nil, in.Scope(), 0)
	}
	limit := p.TopK
	if in.Scope() == ScopeGlobal {
		limit = min(p.TopK*e.cfg.CandidateMultiplier, e.cfg.MaxTopK*e.cfg.CandidateMultiplier)
	}

	rows, err := e.chunks.Search(dbctx.Context{Ctx: ctx}, repos.ChunkSearchQuery{
		Owner:      in.Owner,
		DocumentID: in.DocumentID,
		Embedding:  in.Embedding,
		Limit:      limit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("chunk search: %w", err)
	}
	ranked := make([]Match, len(rows))
	for i, r := range rows {
		ranked[i] = Match{ChunkMatch: r}
	}
	res = e.Select(ranked, p, in.Scope())
	e.log.Debug("Retrieved context",
		"scope", in.Scope().String(),
		"candidates", len(ranked),
		"selected", len(res.Matches),
		"best_score", res.BestScore,
		"coverage", res.Coverage,
	)
	return res, nil
}

// Select flags and filters an already ranked candidate list. Candidates must
// be ordered best first.
func (e *Engine) Select(ranked []Match, p Params, scope Scope) Result {
	for i := range ranked {
		ranked[i].AboveThreshold = ranked[i].Similarity >= p.Threshold
	}
	selected, _ := SplitByThreshold(ranked, p.MinK, p.Threshold)
	if len(selected) > p.TopK {
		selected = selected[:p.TopK]
	}
	if scope == ScopeGlobal {
		selected = Expand(selected, ranked, p.TopK, e.cfg.CoverageBreakpoints)
	}
	res := Result{Matches: selected, Params: p, Coverage: Coverage(selected, e.cfg.CoverageBreakpoints)}
	if len(ranked) > 0 {
		res.BestScore = ranked[0].Similarity
	}
	return res
}

// SplitByThreshold returns the context set and the above-threshold set. When
// fewer than minK clear the threshold, the top minK are used regardless.
func SplitByThreshold(ranked []Match, minK int, threshold float64) ([]Match, []Match) {
	above := make([]Match, 0, len(ranked))
	for _, m := range ranked {
		if m.Similarity >= threshold {
			above = append(above, m)
		}
	}
	if len(above) >= minK {
		return above, above
	}
	return ranked[:min(minK, len(ranked))], above
}

// Expand appends candidates in rank order until coverage reaches topK.
func Expand(selected, candidates []Match, topK int, breakpoints []int) []Match {
	out := append([]Match(nil), selected...)
	seen := make(map[uuid.UUID]struct{}, len(out))
	for _, m := range out {
		seen[m.ID] = struct{}{}
	}
	for _, c := range candidates {
		if Coverage(out, breakpoints) >= topK {
			break
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Coverage sums a bucketed weight per source document, so extra chunks from a
// document that is already well represented count for less.
func Coverage(matches []Match, breakpoints []int) int {
	perDoc := map[uuid.UUID]int{}
	for _, m := range matches {
		perDoc[m.DocumentID]++
	}
	total := 0
	for _, n := range perDoc {
		total += BucketWeight(n, breakpoints)
	}
	return total
}

func BucketWeight(count int, breakpoints []int) int {
	if count <= 0 {
		return 0
	}
	w := 1
	for _, bp := range breakpoints {
		if count >= bp {
			w++
		}
	}
	return w
}

// Search embeds a free-text query and returns the raw ranking without
// threshold filtering.
func (e *Engine) Search(ctx context.Context, owner uuid.UUID, query string, topK int, documentID *uuid.UUID) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required: %w", pkgerrors.ErrInvalidArgument)
	}
	emb, err := e.parser.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if e.usage != nil && !emb.Usage.Empty() {
		e.usage.Record(ctx, usage.Entry{
			UserID:     owner,
			Operation:  types.UsageEmbed,
			DocumentID: documentID,
			Usage:      emb.Usage,
		})
	}
	rows, err := e.chunks.Search(dbctx.Context{Ctx: ctx}, repos.ChunkSearchQuery{
		Owner:      owner,
		DocumentID: documentID,
		Embedding:  emb.Vector,
		Limit:      clamp(topK, 1, e.cfg.MaxTopK),
	})
	if err != nil {
		return nil, fmt.Errorf("chunk search: %w", err)
	}
	out := make([]Match, len(rows))
	for i, r := range rows {
		out[i] = Match{ChunkMatch: r, AboveThreshold: r.Similarity >= e.cfg.ScoreThreshold}
	}
	return out, nil
}
