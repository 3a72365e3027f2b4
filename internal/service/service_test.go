package service

import (
	"context"
	"testing"
	"time"

	"parley/internal/identity"
	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/repository"
	"parley/internal/storage"
	"parley/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	observability.Config.EnableRepoLogging = false
}

type fixture struct {
	db       *gorm.DB
	chats    repository.ChatRepository
	messages repository.MessageRepository
	chat     *ChatService
	msg      *MessageService
	store    *storage.DiskStore
}

func setup(t *testing.T, users ...uint) *fixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	testutil.SeedUsers(t, db, users...)

	store, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	chats := repository.NewChatRepository(db)
	messages := repository.NewMessageRepository(db)
	return &fixture{
		db:       db,
		chats:    chats,
		messages: messages,
		chat:     NewChatService(chats, messages, identity.NewGormDirectory(db, nil)),
		msg:      NewMessageService(chats, messages, store, MessageLimits{MaxLength: 100}),
		store:    store,
	}
}

func (f *fixture) group(t *testing.T, admin uint, members ...uint) *models.Conversation {
	t.Helper()
	conv, _, err := f.chat.CreateConversation(context.Background(), CreateConversationInput{
		CreatorID:      admin,
		Type:           models.ConversationGroup,
		Name:           "group",
		ParticipantIDs: members,
	})
	require.NoError(t, err)
	return conv
}

func (f *fixture) send(t *testing.T, convID, sender uint, content string) *models.Message {
	t.Helper()
	msg, _, err := f.msg.SendMessage(context.Background(), SendMessageInput{
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
	})
	require.NoError(t, err)
	return msg
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, models.ErrorCode(err), "error: %v", err)
}

func assertValidationError(t *testing.T, err error) {
	t.Helper()
	assertCode(t, err, models.CodeValidation)
}

func assertForbidden(t *testing.T, err error) {
	t.Helper()
	assertCode(t, err, models.CodeForbidden)
}

// chatRepoStub lets tests drive error paths the real store cannot produce.
type chatRepoStub struct {
	repository.ChatRepository
	getConversationFn func(ctx context.Context, id uint) (*models.Conversation, error)
	advanceFn         func(ctx context.Context, convID, userID uint, at time.Time) (bool, error)
}

func (s *chatRepoStub) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	return s.getConversationFn(ctx, id)
}

func (s *chatRepoStub) AdvanceLastRead(ctx context.Context, convID, userID uint, at time.Time) (bool, error) {
	return s.advanceFn(ctx, convID, userID, at)
}

func TestAuthorize(t *testing.T) {
	t.Parallel()
	left := time.Now()
	conv := &models.Conversation{ID: 1, Participants: []models.Participant{
		{ConversationID: 1, UserID: 1, Role: models.RoleAdmin},
		{ConversationID: 1, UserID: 2, Role: models.RoleMember},
		{ConversationID: 1, UserID: 3, Role: models.RoleAdmin, LeftAt: &left},
	}}
	stub := &chatRepoStub{getConversationFn: func(_ context.Context, id uint) (*models.Conversation, error) {
		if id != 1 {
			return nil, models.NewNotFoundError("Conversation", id)
		}
		return conv, nil
	}}
	ctx := context.Background()

	tests := []struct {
		name   string
		convID uint
		userID uint
		need   access
		code   string
	}{
		{"admin as admin", 1, 1, accessAdmin, ""},
		{"member as member", 1, 2, accessMember, ""},
		{"member as admin", 1, 2, accessAdmin, models.CodeForbidden},
		{"left admin", 1, 3, accessMember, models.CodeForbidden},
		{"stranger", 1, 9, accessMember, models.CodeForbidden},
		{"unknown conversation", 2, 1, accessMember, models.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, p, err := authorize(ctx, stub, tt.convID, tt.userID, tt.need)
			if tt.code == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.userID, p.UserID)
				return
			}
			assertCode(t, err, tt.code)
		})
	}
}

func TestMarkConversationRead_TransientStoreError(t *testing.T) {
	t.Parallel()
	at := time.Now()
	lastID := uint(4)
	stub := &chatRepoStub{
		getConversationFn: func(_ context.Context, id uint) (*models.Conversation, error) {
			return &models.Conversation{ID: id, LastMessageID: &lastID, LastMessageAt: &at, Participants: []models.Participant{
				{ConversationID: id, UserID: 1, Role: models.RoleMember},
			}}, nil
		},
		advanceFn: func(context.Context, uint, uint, time.Time) (bool, error) {
			return false, models.NewTransientError(assert.AnError)
		},
	}
	svc := NewMessageService(stub, nil, nil, MessageLimits{})

	evs, err := svc.MarkConversationRead(context.Background(), 1, 1)
	assertCode(t, err, models.CodeTransient)
	assert.Empty(t, evs, "no event when the store fails")
}
