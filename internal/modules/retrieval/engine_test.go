package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
)

type fakeChunks struct {
	rows    []repos.ChunkMatch
	queries []repos.ChunkSearchQuery
}

func (f *fakeChunks) InsertBatch(dbctx.Context, []*types.DocumentChunk) (int, error) { return 0, nil }
func (f *fakeChunks) DeleteByDocument(dbctx.Context, uuid.UUID, uuid.UUID) error     { return nil }
func (f *fakeChunks) GetByIDs(dbctx.Context, uuid.UUID, []uuid.UUID) ([]repos.ChunkMatch, error) {
	return nil, nil
}
func (f *fakeChunks) Search(_ dbctx.Context, q repos.ChunkSearchQuery) ([]repos.ChunkMatch, error) {
	f.queries = append(f.queries, q)
	if q.Limit < len(f.rows) {
		return f.rows[:q.Limit], nil
	}
	return f.rows, nil
}

type fakeEmbedder struct {
	parser.Client
	vec []float32
	err error
}

func (f fakeEmbedder) Embed(context.Context, string) (parser.Embedding, error) {
	return parser.Embedding{Vector: f.vec}, f.err
}

func match(doc uuid.UUID, sim float64) repos.ChunkMatch {
	return repos.ChunkMatch{ID: uuid.New(), DocumentID: doc, Similarity: sim}
}

func intp(v int) *int { return &v }

func TestResolveClampsAndGrows(t *testing.T) {
	cfg := DefaultConfig()

	p := Resolve(cfg, nil, ScopeDocument, 0)
	assert.Equal(t, Params{TopK: 5, MinK: 2, Threshold: 0.3}, p)

	assert.Equal(t, 1, Resolve(cfg, intp(0), ScopeDocument, 0).TopK)
	assert.Equal(t, 20, Resolve(cfg, intp(99), ScopeDocument, 0).TopK)
	assert.Equal(t, 1, Resolve(cfg, intp(1), ScopeDocument, 0).MinK, "min_k never exceeds top_k")

	// 5 + ceil(1.0 * sqrt(10)) = 9
	assert.Equal(t, 9, Resolve(cfg, nil, ScopeGlobal, 10).TopK)
	// capped at the hard maximum
	assert.Equal(t, 20, Resolve(cfg, intp(18), ScopeGlobal, 100).TopK)

	cfg.ScoreThreshold = -1
	cfg.MinK = -3
	p = Resolve(cfg, nil, ScopeDocument, 0)
	assert.Zero(t, p.Threshold)
	assert.Zero(t, p.MinK)
}

func TestSplitByThresholdKeepsMinK(t *testing.T) {
	doc := uuid.New()
	ranked := []Match{}
	for _, s := range []float64{0.9, 0.4, 0.3, 0.2, 0.1} {
		ranked = append(ranked, Match{ChunkMatch: match(doc, s)})
	}

	ctxSet, above := SplitByThreshold(ranked, 2, 0.5)
	require.Len(t, ctxSet, 2)
	assert.Equal(t, 0.9, ctxSet[0].Similarity)
	assert.Equal(t, 0.4, ctxSet[1].Similarity)
	assert.Len(t, above, 1)

	ctxSet, above = SplitByThreshold(ranked, 2, 0.25)
	assert.Len(t, ctxSet, 3)
	assert.Len(t, above, 3)

	ctxSet, _ = SplitByThreshold(ranked[:1], 3, 0.99)
	assert.Len(t, ctxSet, 1)
}

func TestBucketWeightAndCoverage(t *testing.T) {
	bps := []int{2, 5}
	for count, want := range map[int]int{0: 0, 1: 1, 2: 2, 4: 2, 5: 3, 12: 3} {
		assert.Equal(t, want, BucketWeight(count, bps), "count=%d", count)
	}

	a, b := uuid.New(), uuid.New()
	ms := []Match{{ChunkMatch: match(a, 1)}, {ChunkMatch: match(a, 1)}, {ChunkMatch: match(b, 1)}}
	assert.Equal(t, 3, Coverage(ms, bps))
}

func TestRetrieveGlobalExpandsAcrossDocuments(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	chunks := &fakeChunks{rows: []repos.ChunkMatch{
		match(a, 0.95), match(a, 0.93), match(a, 0.91),
		match(b, 0.40), match(b, 0.38), match(b, 0.35),
		match(c, 0.30), match(c, 0.28), match(c, 0.25),
	}}
	e := NewEngine(logger.Nop(), DefaultConfig(), chunks, nil, nil)

	res, err := e.Retrieve(context.Background(), RetrieveInput{
		Owner:     uuid.New(),
		Embedding: []float32{1, 0},
		Params:    Params{TopK: 6, MinK: 2, Threshold: 0.9},
	})
	require.NoError(t, err)

	docs := map[uuid.UUID]bool{}
	for _, m := range res.Matches {
		docs[m.DocumentID] = true
	}
	assert.Len(t, docs, 3, "every document contributes")
	assert.GreaterOrEqual(t, res.Coverage, 6)
	assert.Equal(t, 0.95, res.BestScore)
	assert.Equal(t, 18, chunks.queries[0].Limit)
	assert.Nil(t, chunks.queries[0].DocumentID)

	for _, m := range res.Matches[:3] {
		assert.True(t, m.AboveThreshold)
	}
	assert.False(t, res.Matches[3].AboveThreshold)
}

func TestRetrieveDocumentScopeDoesNotExpand(t *testing.T) {
	doc := uuid.New()
	chunks := &fakeChunks{rows: []repos.ChunkMatch{
		match(doc, 0.9), match(doc, 0.45), match(doc, 0.3), match(doc, 0.2), match(doc, 0.1),
	}}
	e := NewEngine(logger.Nop(), DefaultConfig(), chunks, nil, nil)

	res, err := e.Retrieve(context.Background(), RetrieveInput{
		Owner:      uuid.New(),
		DocumentID: &doc,
		Embedding:  []float32{1},
		Params:     Params{TopK: 5, MinK: 2, Threshold: 0.5},
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 2)
	assert.True(t, res.Matches[0].AboveThreshold)
	assert.False(t, res.Matches[1].AboveThreshold)
	assert.Equal(t, 5, chunks.queries[0].Limit)
	assert.Equal(t, &doc, chunks.queries[0].DocumentID)
}

func TestRetrieveRejectsEmptyEmbedding(t *testing.T) {
	e := NewEngine(logger.Nop(), DefaultConfig(), &fakeChunks{}, nil, nil)
	_, err := e.Retrieve(context.Background(), RetrieveInput{Owner: uuid.New()})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidArgument)
}

func TestSearchEmbedsAndClamps(t *testing.T) {
	doc := uuid.New()
	chunks := &fakeChunks{rows: []repos.ChunkMatch{match(doc, 0.1), match(doc, 0.05)}}
	e := NewEngine(logger.Nop(), DefaultConfig(), chunks, fakeEmbedder{vec: []float32{1, 2}}, nil)

	out, err := e.Search(context.Background(), uuid.New(), "what is it", 50, nil)
	require.NoError(t, err)
	assert.Len(t, out, 2, "no threshold filtering")
	assert.Equal(t, 20, chunks.queries[0].Limit)
	assert.Equal(t, []float32{1, 2}, chunks.queries[0].Embedding)

	_, err = e.Search(context.Background(), uuid.New(), "  ", 5, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidArgument)

	e = NewEngine(logger.Nop(), DefaultConfig(), chunks, fakeEmbedder{err: errors.New("boom")}, nil)
	_, err = e.Search(context.Background(), uuid.New(), "q", 5, nil)
	assert.Error(t, err)
}
