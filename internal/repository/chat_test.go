package repository

import (
	"context"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGroup(t *testing.T, repo ChatRepository, admin uint, members ...uint) *models.Conversation {
	t.Helper()
	now := storeNow()
	conv := &models.Conversation{Type: models.ConversationGroup, Name: "team", CreatedBy: admin}
	ps := []models.Participant{{UserID: admin, Role: models.RoleAdmin, JoinedAt: now}}
	for _, m := range members {
		ps = append(ps, models.Participant{UserID: m, Role: models.RoleMember, JoinedAt: now})
	}
	require.NoError(t, repo.CreateConversation(context.Background(), conv, ps))
	return conv
}

func TestChatRepository_CreateAndGet(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2, 3)
	repo := NewChatRepository(db)
	ctx := context.Background()

	conv := newGroup(t, repo, 1, 2, 3)
	assert.NotZero(t, conv.ID)

	got, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "team", got.Name)
	assert.Len(t, got.Participants, 3)

	_, err = repo.GetConversation(ctx, 999)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestChatRepository_DirectKeyIsUnique(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2)
	repo := NewChatRepository(db)
	ctx := context.Background()

	newDirect := func() *models.Conversation {
		key := models.DirectKeyFor(2, 1)
		return &models.Conversation{Type: models.ConversationDirect, CreatedBy: 1, DirectKey: &key}
	}
	parts := func() []models.Participant {
		now := storeNow()
		return []models.Participant{
			{UserID: 1, Role: models.RoleMember, JoinedAt: now},
			{UserID: 2, Role: models.RoleMember, JoinedAt: now},
		}
	}

	first := newDirect()
	require.NoError(t, repo.CreateConversation(ctx, first, parts()))

	err := repo.CreateConversation(ctx, newDirect(), parts())
	assert.ErrorIs(t, err, ErrDirectExists)

	found, err := repo.FindDirectConversation(ctx, "1:2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	var count int64
	db.Model(&models.Conversation{}).Count(&count)
	assert.Equal(t, int64(1), count, "losing insert rolled back")
}

func TestChatRepository_AddParticipantReactivates(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2)
	repo := NewChatRepository(db)
	ctx := context.Background()
	conv := newGroup(t, repo, 1, 2)

	_, err := repo.AddParticipant(ctx, conv.ID, 2, models.RoleMember)
	assert.True(t, models.IsCode(err, models.CodeConflict), "already current")

	require.NoError(t, repo.RemoveParticipant(ctx, conv.ID, 2, 0))
	p, err := repo.GetParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.False(t, p.IsCurrent())

	msgs := NewMessageRepository(db)
	require.NoError(t, msgs.CreateMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: 1, Content: "while away", Type: models.MessageText}))

	p, err = repo.AddParticipant(ctx, conv.ID, 2, models.RoleMember)
	require.NoError(t, err)
	assert.True(t, p.IsCurrent())

	p, err = repo.GetParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.NotNil(t, p.LastReadAt)
	assert.True(t, p.LastReadAt.Equal(p.JoinedAt), "read position restarts at the rejoin")

	counts, err := repo.UnreadCounts(ctx, 2, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, counts[conv.ID], "messages from before the rejoin are not unread")
}

func TestChatRepository_NewParticipantStartsCaughtUp(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2, 3)
	repo := NewChatRepository(db)
	msgs := NewMessageRepository(db)
	ctx := context.Background()
	conv := newGroup(t, repo, 1, 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, msgs.CreateMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: 1, Content: "history", Type: models.MessageText}))
	}

	p, err := repo.AddParticipant(ctx, conv.ID, 3, models.RoleMember)
	require.NoError(t, err)
	require.NotNil(t, p.LastReadAt)

	counts, err := repo.UnreadCounts(ctx, 3, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, counts[conv.ID])

	require.NoError(t, msgs.CreateMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: 1, Content: "after join", Type: models.MessageText}))
	counts, err = repo.UnreadCounts(ctx, 3, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[conv.ID])
}

func TestChatRepository_LastAdminGuard(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2, 3)
	repo := NewChatRepository(db)
	ctx := context.Background()
	conv := newGroup(t, repo, 1, 2, 3)

	err := repo.RemoveParticipant(ctx, conv.ID, 1, 0)
	assert.True(t, models.IsCode(err, models.CodeConflict))

	err = repo.RemoveParticipant(ctx, conv.ID, 1, 42)
	assert.True(t, models.IsCode(err, models.CodeValidation))

	err = repo.SetRole(ctx, conv.ID, 1, models.RoleMember)
	assert.True(t, models.IsCode(err, models.CodeConflict))

	require.NoError(t, repo.RemoveParticipant(ctx, conv.ID, 1, 3))
	ps, err := repo.ListParticipants(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	roles := map[uint]models.ParticipantRole{}
	for _, p := range ps {
		roles[p.UserID] = p.Role
	}
	assert.Equal(t, models.RoleAdmin, roles[3])
	assert.Equal(t, models.RoleMember, roles[2])

	err = repo.RemoveParticipant(ctx, conv.ID, 1, 0)
	assert.True(t, models.IsCode(err, models.CodeNotFound), "already removed")
}

func TestChatRepository_SoleParticipantMayLeave(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1)
	repo := NewChatRepository(db)
	conv := newGroup(t, repo, 1)

	assert.NoError(t, repo.RemoveParticipant(context.Background(), conv.ID, 1, 0))
}

func TestChatRepository_AdvanceLastReadIsMonotonic(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2)
	repo := NewChatRepository(db)
	ctx := context.Background()
	conv := newGroup(t, repo, 1, 2)

	t1 := storeNow()
	t0 := t1.Add(-time.Minute)

	ok, err := repo.AdvanceLastRead(ctx, conv.ID, 2, t1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AdvanceLastRead(ctx, conv.ID, 2, t0)
	require.NoError(t, err)
	assert.False(t, ok, "older position ignored")

	ok, err = repo.AdvanceLastRead(ctx, conv.ID, 2, t1)
	require.NoError(t, err)
	assert.False(t, ok, "same position is not an advance")

	p, err := repo.GetParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.True(t, p.LastReadAt.Equal(t1))
}

func TestChatRepository_ListAndUnread(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2)
	repo := NewChatRepository(db)
	msgs := NewMessageRepository(db)
	ctx := context.Background()

	quiet := newGroup(t, repo, 1, 2)
	busy := newGroup(t, repo, 1, 2)
	require.NoError(t, repo.SetMuted(ctx, quiet.ID, 2, true))

	for i := 0; i < 3; i++ {
		require.NoError(t, msgs.CreateMessage(ctx, &models.Message{ConversationID: busy.ID, SenderID: 1, Content: "hi", Type: models.MessageText}))
	}
	require.NoError(t, msgs.CreateMessage(ctx, &models.Message{ConversationID: busy.ID, SenderID: 2, Content: "mine", Type: models.MessageText}))

	list, err := repo.ListUserConversations(ctx, 2, false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, busy.ID, list[0].ID, "conversations with messages sort first")
	assert.True(t, list[1].Muted)

	counts, err := repo.UnreadCounts(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[busy.ID], "own messages are never unread")
	assert.Equal(t, int64(0), counts[quiet.ID])

	counts, err = repo.UnreadCounts(ctx, 1, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int64{busy.ID: 1}, counts)

	require.NoError(t, repo.SetArchived(ctx, quiet.ID, true, storeNow()))
	list, err = repo.ListUserConversations(ctx, 2, false)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = repo.ListUserConversations(ctx, 2, true)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestChatRepository_RemovedUserLosesListing(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2)
	repo := NewChatRepository(db)
	ctx := context.Background()
	conv := newGroup(t, repo, 1, 2)

	require.NoError(t, repo.RemoveParticipant(ctx, conv.ID, 2, 0))
	list, err := repo.ListUserConversations(ctx, 2, true)
	require.NoError(t, err)
	assert.Empty(t, list)

	err = repo.SetMuted(ctx, conv.ID, 2, true)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestChatRepository_UpdateMissingConversation(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	repo := NewChatRepository(db)

	err := repo.UpdateConversation(context.Background(), 7, map[string]interface{}{"name": "x"})
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}
