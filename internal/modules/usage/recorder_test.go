package usage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/askpdf-backend/internal/data/repos"
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
)

type fakeUsageRepo struct {
	rows    []*types.UsageLog
	ctxErrs []error
	err     error
	ranges  [][2]*time.Time
}

func (f *fakeUsageRepo) Insert(dbc dbctx.Context, row *types.UsageLog) error {
	f.ctxErrs = append(f.ctxErrs, dbc.Ctx.Err())
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeUsageRepo) Summary(_ dbctx.Context, _ uuid.UUID, from, to *time.Time) (repos.UsageSummary, error) {
	f.ranges = append(f.ranges, [2]*time.Time{from, to})
	if from == nil {
		return repos.UsageSummary{TotalTokens: 100}, nil
	}
	return repos.UsageSummary{TotalTokens: 10}, nil
}

func TestRecordSurvivesCancelledCaller(t *testing.T) {
	repo := &fakeUsageRepo{}
	rec := NewRecorder(logger.Nop(), repo)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc := uuid.New()
	in, out, total := 3, 4, 7
	rec.Record(ctx, Entry{
		UserID:     uuid.New(),
		Operation:  types.UsageAnswer,
		DocumentID: &doc,
		Model:      "m-standard",
		Usage: parser.Usage{
			InputTokens:  &in,
			OutputTokens: &out,
			TotalTokens:  &total,
			Raw:          json.RawMessage(`{"input_tokens":3,"output_tokens":4}`),
		},
		Request: map[string]any{"question": "q"},
	})

	require.Len(t, repo.rows, 1)
	assert.NoError(t, repo.ctxErrs[0])
	row := repo.rows[0]
	assert.Equal(t, 7, *row.TotalTokens)
	assert.Equal(t, "m-standard", row.Model)
	assert.JSONEq(t, `{"input_tokens":3,"output_tokens":4}`, string(row.RawUsage))
	assert.JSONEq(t, `{"question":"q"}`, string(row.RawRequest))
}

func TestRecordSwallowsFailures(t *testing.T) {
	repo := &fakeUsageRepo{err: errors.New("db down")}
	rec := NewRecorder(logger.Nop(), repo)
	assert.NotPanics(t, func() {
		rec.Record(context.Background(), Entry{UserID: uuid.New(), Operation: types.UsageEmbed})
	})
	assert.Empty(t, repo.rows)

	rec.Record(context.Background(), Entry{Operation: types.UsageEmbed})
	assert.Len(t, repo.ctxErrs, 1, "entries without an owner never reach the repo")
}

func TestSummaryUsesCalendarMonth(t *testing.T) {
	repo := &fakeUsageRepo{}
	rec := NewRecorder(logger.Nop(), repo)
	now := time.Date(2026, time.February, 17, 15, 4, 5, 0, time.UTC)

	rep, err := rec.Summary(context.Background(), uuid.New(), now)
	require.NoError(t, err)
	assert.EqualValues(t, 10, rep.Month.TotalTokens)
	assert.EqualValues(t, 100, rep.AllTime.TotalTokens)
	assert.Equal(t, time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC), rep.From)
	assert.Equal(t, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC), rep.To)
	require.Len(t, repo.ranges, 2)
	assert.Nil(t, repo.ranges[1][0])
}

func TestMonthBoundsRollsYear(t *testing.T) {
	from, to := MonthBounds(time.Date(2025, time.December, 31, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), to)
}
