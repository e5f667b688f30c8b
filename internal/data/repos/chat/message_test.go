package chat

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/data/repos/testutil"
	"github.com/yungbote/askpdf-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
)

func newRepos(t *testing.T) (ChatThreadRepo, ChatMessageRepo, dbctx.Context) {
	t.Helper()
	db := testutil.SQLite(t)
	threads := NewChatThreadRepo(db, testutil.Logger(t))
	msgs := NewChatMessageRepo(db, testutil.Logger(t), threads)
	return threads, msgs, dbctx.Context{Ctx: context.Background()}
}

func TestUpsertAssistantIsIdempotentPerMessageID(t *testing.T) {
	threads, msgs, dbc := newRepos(t)
	owner := uuid.New()
	th := &types.ChatThread{UserID: owner, Title: "t"}
	require.NoError(t, threads.Create(dbc, th))

	key := UpsertKey{ThreadID: th.ID, UserID: owner}
	id := uuid.New()
	key.MessageID = &id

	first, err := msgs.UpsertAssistant(dbc, key, AssistantFields{Status: types.MessageOK, Content: "first"})
	require.NoError(t, err)
	assert.Equal(t, id, first.ID)

	second, err := msgs.UpsertAssistant(dbc, key, AssistantFields{
		Status:  types.MessageStopped,
		Content: "second",
		Refs:    datatypes.JSON(`[{"id":"chunk-x"}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, id, second.ID)
	assert.Equal(t, "second", second.Content)
	assert.Equal(t, types.MessageStopped, second.Status)
	assert.JSONEq(t, `[{"id":"chunk-x"}]`, string(second.Refs))

	rows, err := msgs.List(dbc, th.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.RoleAssistant, rows[0].Role)
}

func TestUpsertAssistantWithoutMessageIDInsertsDistinctRows(t *testing.T) {
	threads, msgs, dbc := newRepos(t)
	owner := uuid.New()
	th := &types.ChatThread{UserID: owner}
	require.NoError(t, threads.Create(dbc, th))

	key := UpsertKey{ThreadID: th.ID, UserID: owner}
	a, err := msgs.UpsertAssistant(dbc, key, AssistantFields{Status: types.MessageOK, Content: "a"})
	require.NoError(t, err)
	b, err := msgs.UpsertAssistant(dbc, key, AssistantFields{Status: types.MessageOK, Content: "b"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	rows, err := msgs.List(dbc, th.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestUpsertAssistantRejectsForeignMessageID(t *testing.T) {
	threads, msgs, dbc := newRepos(t)
	owner := uuid.New()
	mine := &types.ChatThread{UserID: owner}
	other := &types.ChatThread{UserID: owner}
	require.NoError(t, threads.Create(dbc, mine))
	require.NoError(t, threads.Create(dbc, other))

	id := uuid.New()
	_, err := msgs.UpsertAssistant(dbc, UpsertKey{MessageID: &id, ThreadID: other.ID, UserID: owner},
		AssistantFields{Status: types.MessageOK, Content: "theirs"})
	require.NoError(t, err)

	_, err = msgs.UpsertAssistant(dbc, UpsertKey{MessageID: &id, ThreadID: mine.ID, UserID: owner},
		AssistantFields{Status: types.MessageOK, Content: "hijack"})
	require.ErrorIs(t, err, pkgerrors.ErrNotFound)

	rows, err := msgs.List(dbc, other.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "theirs", rows[0].Content)
}

func TestRecentForMemorySkipsFailedTurns(t *testing.T) {
	threads, msgs, dbc := newRepos(t)
	owner := uuid.New()
	th := &types.ChatThread{UserID: owner}
	require.NoError(t, threads.Create(dbc, th))

	base := time.Now().UTC().Add(-time.Hour)
	seq := []struct {
		role, status, content string
	}{
		{types.RoleUser, types.MessageOK, "q1"},
		{types.RoleAssistant, types.MessageOK, "a1"},
		{types.RoleUser, types.MessageOK, "q2"},
		{types.RoleAssistant, types.MessageError, ""},
		{types.RoleUser, types.MessageOK, "q3"},
		{types.RoleAssistant, types.MessageStopped, "partial"},
		{types.RoleUser, types.MessageOK, "q4"},
	}
	for i, m := range seq {
		require.NoError(t, msgs.Create(dbc, &types.ChatMessage{
			ThreadID:  th.ID,
			UserID:    owner,
			Role:      m.role,
			Status:    m.status,
			Content:   m.content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := msgs.RecentForMemory(dbc, th.ID, 4)
	require.NoError(t, err)
	var contents []string
	for _, m := range got {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"a1", "q2", "q3", "q4"}, contents)

	none, err := msgs.RecentForMemory(dbc, th.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestThreadListAndDelete(t *testing.T) {
	threads, msgs, dbc := newRepos(t)
	owner := uuid.New()
	docID := uuid.New()
	global := &types.ChatThread{UserID: owner, Title: "global"}
	scoped := &types.ChatThread{UserID: owner, DocumentID: &docID, Title: "scoped"}
	require.NoError(t, threads.Create(dbc, global))
	require.NoError(t, threads.Create(dbc, scoped))
	require.NoError(t, threads.Create(dbc, &types.ChatThread{UserID: uuid.New()}))

	all, err := threads.List(dbc, ThreadListQuery{Owner: owner})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	globals, err := threads.List(dbc, ThreadListQuery{Owner: owner, GlobalOnly: true})
	require.NoError(t, err)
	require.Len(t, globals, 1)
	assert.True(t, globals[0].Global())

	byDoc, err := threads.List(dbc, ThreadListQuery{Owner: owner, DocumentID: &docID})
	require.NoError(t, err)
	require.Len(t, byDoc, 1)
	assert.Equal(t, scoped.ID, byDoc[0].ID)

	require.NoError(t, msgs.Create(dbc, &types.ChatMessage{ThreadID: scoped.ID, UserID: owner, Role: types.RoleUser, Content: "hi"}))
	require.ErrorIs(t, threads.Delete(dbc, uuid.New(), scoped.ID), pkgerrors.ErrNotFound)
	require.NoError(t, threads.Delete(dbc, owner, scoped.ID))
	_, err = threads.Get(dbc, owner, scoped.ID)
	require.ErrorIs(t, err, pkgerrors.ErrNotFound)
	rows, err := msgs.List(dbc, scoped.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
