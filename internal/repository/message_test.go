package repository

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func seedMessages(t *testing.T, repo MessageRepository, convID, sender uint, n int) []*models.Message {
	t.Helper()
	out := make([]*models.Message, 0, n)
	for i := 0; i < n; i++ {
		m := &models.Message{ConversationID: convID, SenderID: sender, Content: fmt.Sprintf("message %d", i), Type: models.MessageText}
		require.NoError(t, repo.CreateMessage(context.Background(), m))
		out = append(out, m)
	}
	return out
}

func ids(msgs []*models.Message) []uint {
	out := make([]uint, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageRepository_CreateAdvancesPointer(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2)
	chats := NewChatRepository(db)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	conv := newGroup(t, chats, 1, 2)

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       1,
		Content:        "see attached",
		Type:           models.MessageFile,
		Attachments:    []models.Attachment{{FileName: "a.txt", ContentType: "text/plain", SizeBytes: 3, StorageRef: "ab/abc.txt"}},
	}
	require.NoError(t, repo.CreateMessage(ctx, msg))
	assert.False(t, msg.SentAt.IsZero())

	got, err := chats.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, msg.ID, *got.LastMessageID)

	loaded, err := repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Attachments, 1)
	assert.Equal(t, msg.ID, loaded.Attachments[0].MessageID)
}

func TestMessageRepository_ListPagination(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2)
	chats := NewChatRepository(db)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	conv := newGroup(t, chats, 1, 2)
	all := seedMessages(t, repo, conv.ID, 1, 7)

	page, err := repo.ListMessages(ctx, conv.ID, MessageFilter{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, ids(all[4:]), ids(page), "newest page in chronological order")

	page, err = repo.ListMessages(ctx, conv.ID, MessageFilter{Limit: 3, BeforeID: all[4].ID})
	require.NoError(t, err)
	assert.Equal(t, ids(all[1:4]), ids(page))

	page, err = repo.ListMessages(ctx, conv.ID, MessageFilter{Limit: 2, AfterID: all[1].ID})
	require.NoError(t, err)
	assert.Equal(t, ids(all[2:4]), ids(page))

	page, err = repo.ListMessages(ctx, conv.ID, MessageFilter{Limit: 10, Search: "MESSAGE 6"})
	require.NoError(t, err)
	assert.Equal(t, []uint{all[6].ID}, ids(page))

	_, err = repo.ListMessages(ctx, conv.ID, MessageFilter{BeforeID: 9999})
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestMessageRepository_ListByTimestamp(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2)
	chats := NewChatRepository(db)
	ctx := context.Background()
	conv := newGroup(t, chats, 1, 2)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	repo := &messageRepository{db: db, log: observability.NewRepoLogger("messages"), now: func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}}
	all := seedMessages(t, repo, conv.ID, 1, 5) // sent at base+1m .. base+5m

	at := func(minutes int) *time.Time {
		v := base.Add(time.Duration(minutes) * time.Minute)
		return &v
	}

	page, err := repo.ListMessages(ctx, conv.ID, MessageFilter{Before: at(3), Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, ids(all[:2]), ids(page), "before is exclusive")

	page, err = repo.ListMessages(ctx, conv.ID, MessageFilter{After: at(3), Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, ids(all[3:]), ids(page), "after is exclusive")

	page, err = repo.ListMessages(ctx, conv.ID, MessageFilter{After: at(0), Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, ids(all[:2]), ids(page), "lower bound alone pages from the oldest")

	page, err = repo.ListMessages(ctx, conv.ID, MessageFilter{After: at(1), Before: at(5), Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, ids(all[1:4]), ids(page))

	offset := base.Add(4 * time.Minute).In(time.FixedZone("CET", 3600))
	page, err = repo.ListMessages(ctx, conv.ID, MessageFilter{Before: &offset, BeforeID: all[2].ID, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, ids(all[:2]), ids(page), "timestamp and id bounds combine")
}

func TestMessageRepository_SearchUsesILIKEOnPostgres(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewMessageRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "messages" WHERE conversation_id = \$1 AND content ILIKE \$2 ESCAPE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	res, err := repo.SearchMessages(context.Background(), 4, "Ünïcode", 5)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_SearchEscapesWildcards(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1)
	chats := NewChatRepository(db)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	conv := newGroup(t, chats, 1)

	for _, content := range []string{"100% done", "1000 done", "Done deal"} {
		require.NoError(t, repo.CreateMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: 1, Content: content, Type: models.MessageText}))
	}

	res, err := repo.SearchMessages(ctx, conv.ID, "0%", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "100% done", res[0].Content)

	res, err = repo.SearchMessages(ctx, conv.ID, "done", 10)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "Done deal", res[0].Content, "newest first")
}

func TestMessageRepository_SoftDeleteRecomputesPointer(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2)
	chats := NewChatRepository(db)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	conv := newGroup(t, chats, 1, 2)
	all := seedMessages(t, repo, conv.ID, 1, 2)

	deleted, err := repo.SoftDelete(ctx, all[1].ID, 2)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedBy)
	assert.Equal(t, uint(2), *deleted.DeletedBy)

	got, err := chats.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, all[0].ID, *got.LastMessageID)

	_, err = repo.SoftDelete(ctx, all[1].ID, 2)
	assert.True(t, models.IsCode(err, models.CodeNotFound), "second delete")

	_, err = repo.SoftDelete(ctx, all[0].ID, 1)
	require.NoError(t, err)
	got, err = chats.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastMessageID)
	assert.Nil(t, got.LastMessageAt)

	page, err := repo.ListMessages(ctx, conv.ID, MessageFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMessageRepository_DeletingOlderMessageKeepsPointer(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1)
	chats := NewChatRepository(db)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	conv := newGroup(t, chats, 1)
	all := seedMessages(t, repo, conv.ID, 1, 3)

	_, err := repo.SoftDelete(ctx, all[0].ID, 1)
	require.NoError(t, err)

	got, err := chats.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, all[2].ID, *got.LastMessageID)
}

func TestMessageRepository_SendersBetween(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1, 2, 3)
	chats := NewChatRepository(db)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	conv := newGroup(t, chats, 1, 2, 3)

	first := seedMessages(t, repo, conv.ID, 1, 1)[0]
	second := seedMessages(t, repo, conv.ID, 2, 1)[0]
	seedMessages(t, repo, conv.ID, 3, 1)

	senders, err := repo.SendersBetween(ctx, conv.ID, nil, second.SentAt, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{1, 2}, senders)

	senders, err = repo.SendersBetween(ctx, conv.ID, &first.SentAt, second.SentAt, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint{2}, senders)
}

func TestMessageRepository_AttachmentPurge(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, 1)
	chats := NewChatRepository(db)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	conv := newGroup(t, chats, 1)
	msg := seedMessages(t, repo, conv.ID, 1, 1)[0]

	att := &models.Attachment{MessageID: msg.ID, FileName: "f.png", ContentType: "image/png", SizeBytes: 10, StorageRef: "aa/f.png"}
	require.NoError(t, repo.CreateAttachment(ctx, att))
	require.NoError(t, repo.DeleteAttachment(ctx, att.ID))

	_, err := repo.GetAttachment(ctx, att.ID)
	assert.True(t, models.IsCode(err, models.CodeNotFound))

	none, err := repo.PurgeableAttachments(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none, "retention not yet elapsed")

	due, err := repo.PurgeableAttachments(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, repo.PurgeAttachment(ctx, due[0].ID))
	var count int64
	db.Unscoped().Model(&models.Attachment{}).Count(&count)
	assert.Zero(t, count)
}

func TestMessageRepository_TransientErrorsClassified(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewMessageRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "message_attachments"`)).
		WillReturnError(context.DeadlineExceeded)

	_, err := repo.GetAttachment(context.Background(), 5)
	assert.True(t, models.IsCode(err, models.CodeTransient))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepository_RemoveParticipantLocksRowsOnPostgres(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewChatRepository(db)

	rows := sqlmock.NewRows([]string{"conversation_id", "user_id", "role", "joined_at", "left_at", "muted", "last_read_at"}).
		AddRow(9, 1, "admin", time.Now(), nil, false, nil).
		AddRow(9, 2, "member", time.Now(), nil, false, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "conversation_participants" WHERE .* FOR UPDATE`).
		WillReturnRows(rows)
	mock.ExpectRollback()

	err := repo.RemoveParticipant(context.Background(), 9, 1, 0)
	assert.True(t, models.IsCode(err, models.CodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepository_SetMutedMissingRow(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewChatRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "conversation_participants" SET "muted"=$1`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.SetMuted(context.Background(), 3, 4, true)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
