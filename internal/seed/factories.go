package seed

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"parley/internal/models"
	"parley/internal/repository"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Factory builds domain entities and persists them to the database.
// Conversations and messages go through the repositories so their bookkeeping
// (direct keys, last-message pointers) matches what the API produces.
type Factory struct {
	db       *gorm.DB
	chats    repository.ChatRepository
	messages repository.MessageRepository
	opts     Options
	rnd      *rand.Rand
	// synthetic ID counter when running in DryRun mode
	nextID uint
}

// NewFactory creates a new Factory bound to the provided Gorm DB. db may be nil in DryRun mode.
func NewFactory(db *gorm.DB, opts Options) *Factory {
	f := &Factory{
		db:   db,
		opts: opts,
		//nolint:gosec // Weak random number generator is fine for seeding
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		nextID: 1000,
	}
	gofakeit.Seed(time.Now().UnixNano())
	if db != nil {
		f.chats = repository.NewChatRepository(db)
		f.messages = repository.NewMessageRepository(db)
	}
	return f
}

// BuildUser constructs an active user without persisting it.
func (f *Factory) BuildUser(overrides ...func(*models.User)) *models.User {
	user := &models.User{
		Username: fmt.Sprintf("%s%d", gofakeit.Username(), gofakeit.Number(100, 999)),
		Avatar:   fmt.Sprintf("https://i.pravatar.cc/150?u=%s", gofakeit.UUID()),
		IsActive: true,
	}
	for _, override := range overrides {
		override(user)
	}
	return user
}

// CreateUser builds and persists a user.
func (f *Factory) CreateUser(overrides ...func(*models.User)) (*models.User, error) {
	user := f.BuildUser(overrides...)
	if f.opts.DryRun {
		f.nextID++
		user.ID = f.nextID
		log.Printf("[dry-run] CreateUser: %s", user.Username)
		return user, nil
	}
	if err := f.db.Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// CreateGroup persists a group owned by owner with members as plain participants.
func (f *Factory) CreateGroup(ctx context.Context, owner *models.User, members []*models.User) (*models.Conversation, error) {
	conv := &models.Conversation{
		Type:        models.ConversationGroup,
		Name:        gofakeit.HipsterWord() + " " + gofakeit.BuzzWord(),
		Description: gofakeit.Sentence(8),
		Avatar:      fmt.Sprintf("https://api.dicebear.com/7.x/shapes/svg?seed=%s", gofakeit.UUID()),
		CreatedBy:   owner.ID,
	}
	now := time.Now().UTC()
	participants := []models.Participant{{UserID: owner.ID, Role: models.RoleAdmin, JoinedAt: now}}
	for _, m := range members {
		if m.ID == owner.ID {
			continue
		}
		participants = append(participants, models.Participant{UserID: m.ID, Role: models.RoleMember, JoinedAt: now})
	}
	return f.createConversation(ctx, conv, participants)
}

// CreateDirect persists a direct conversation between a and b. Both are admins.
func (f *Factory) CreateDirect(ctx context.Context, a, b *models.User) (*models.Conversation, error) {
	key := models.DirectKeyFor(a.ID, b.ID)
	conv := &models.Conversation{
		Type:      models.ConversationDirect,
		CreatedBy: a.ID,
		DirectKey: &key,
	}
	now := time.Now().UTC()
	return f.createConversation(ctx, conv, []models.Participant{
		{UserID: a.ID, Role: models.RoleAdmin, JoinedAt: now},
		{UserID: b.ID, Role: models.RoleAdmin, JoinedAt: now},
	})
}

func (f *Factory) createConversation(ctx context.Context, conv *models.Conversation, participants []models.Participant) (*models.Conversation, error) {
	if f.opts.DryRun {
		f.nextID++
		conv.ID = f.nextID
		for i := range participants {
			participants[i].ConversationID = conv.ID
		}
		conv.Participants = participants
		log.Printf("[dry-run] CreateConversation: %s with %d participants", conv.Type, len(participants))
		return conv, nil
	}
	if err := f.chats.CreateConversation(ctx, conv, participants); err != nil {
		return nil, err
	}
	return conv, nil
}

// BuildMessage constructs a text message from sender without persisting it.
func (f *Factory) BuildMessage(conv *models.Conversation, sender *models.User, overrides ...func(*models.Message)) *models.Message {
	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        f.messageContent(),
		Type:           models.MessageText,
	}
	for _, override := range overrides {
		override(msg)
	}
	return msg
}

// CreateMessage builds and persists a message.
func (f *Factory) CreateMessage(ctx context.Context, conv *models.Conversation, sender *models.User, overrides ...func(*models.Message)) (*models.Message, error) {
	msg := f.BuildMessage(conv, sender, overrides...)
	if f.opts.DryRun {
		f.nextID++
		msg.ID = f.nextID
		msg.SentAt = time.Now().UTC()
		return msg, nil
	}
	if err := f.messages.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (f *Factory) messageContent() string {
	switch f.rnd.Intn(5) {
	case 0:
		return gofakeit.Question()
	case 1:
		return gofakeit.Emoji() + " " + gofakeit.Phrase()
	case 2:
		return gofakeit.HackerPhrase()
	default:
		return gofakeit.Sentence(f.rnd.Intn(12) + 3)
	}
}
