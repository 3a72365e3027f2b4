// Package seed populates a database with demo users, conversations and message history
// for development and load testing.
package seed

import (
	"context"
	"fmt"
	"log"
	"strings"

	"parley/internal/models"

	"gorm.io/gorm"
)

// Options configuration for the seeder
type Options struct {
	NumUsers                int
	NumGroups               int
	NumDirects              int
	MessagesPerConversation int
	MaxGroupSize            int
	DryRun                  bool
}

// Presets are named Options for common setups.
var Presets = map[string]Options{
	"small":    {NumUsers: 10, NumGroups: 3, NumDirects: 5, MessagesPerConversation: 20, MaxGroupSize: 6},
	"demo":     {NumUsers: 50, NumGroups: 12, NumDirects: 40, MessagesPerConversation: 60, MaxGroupSize: 15},
	"loadtest": {NumUsers: 500, NumGroups: 100, NumDirects: 400, MessagesPerConversation: 200, MaxGroupSize: 50},
}

// Summary reports what a seeding run created.
type Summary struct {
	Users         int
	Conversations int
	Messages      int
}

// Seeder drives a Factory to build a connected data set.
type Seeder struct {
	db      *gorm.DB
	factory *Factory
	opts    Options
}

// NewSeeder returns a seeder writing to db.
func NewSeeder(db *gorm.DB, opts Options) *Seeder {
	return &Seeder{db: db, factory: NewFactory(db, opts), opts: opts}
}

// ClearAll removes all messaging data and users.
func (s *Seeder) ClearAll() error {
	log.Println("🗑️  Clearing existing data...")
	tables := []string{"message_attachments", "messages", "conversation_participants", "conversations", "users"}
	if s.db.Dialector.Name() == "postgres" {
		return s.db.Exec("TRUNCATE TABLE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE").Error
	}
	for _, table := range tables {
		if err := s.db.Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

// Run creates users, then group and direct conversations among them, then message history.
func (s *Seeder) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	opts := s.opts
	if opts.NumUsers < 2 {
		return sum, fmt.Errorf("need at least 2 users, got %d", opts.NumUsers)
	}
	if opts.MaxGroupSize < 2 {
		opts.MaxGroupSize = 2
	}
	log.Printf("🌱 Seeding %d users, %d groups, %d direct conversations...", opts.NumUsers, opts.NumGroups, opts.NumDirects)

	users := make([]*models.User, 0, opts.NumUsers)
	for i := 0; i < opts.NumUsers; i++ {
		u, err := s.factory.CreateUser()
		if err != nil {
			return sum, fmt.Errorf("create user: %w", err)
		}
		users = append(users, u)
	}
	sum.Users = len(users)
	log.Printf("✓ %d users created", sum.Users)

	convs := make([]*models.Conversation, 0, opts.NumGroups+opts.NumDirects)
	for i := 0; i < opts.NumGroups; i++ {
		owner, members := s.pickGroup(users, opts.MaxGroupSize)
		conv, err := s.factory.CreateGroup(ctx, owner, members)
		if err != nil {
			return sum, fmt.Errorf("create group: %w", err)
		}
		convs = append(convs, conv)
	}

	seen := make(map[string]struct{})
	maxPairs := len(users) * (len(users) - 1) / 2
	for len(seen) < opts.NumDirects && len(seen) < maxPairs {
		a, b := users[s.factory.rnd.Intn(len(users))], users[s.factory.rnd.Intn(len(users))]
		if a.ID == b.ID {
			continue
		}
		key := models.DirectKeyFor(a.ID, b.ID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		conv, err := s.factory.CreateDirect(ctx, a, b)
		if err != nil {
			return sum, fmt.Errorf("create direct conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	sum.Conversations = len(convs)
	log.Printf("✓ %d conversations created", sum.Conversations)

	byID := make(map[uint]*models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for _, conv := range convs {
		for i := 0; i < opts.MessagesPerConversation; i++ {
			p := conv.Participants[s.factory.rnd.Intn(len(conv.Participants))]
			if _, err := s.factory.CreateMessage(ctx, conv, byID[p.UserID]); err != nil {
				return sum, fmt.Errorf("create message: %w", err)
			}
			sum.Messages++
		}
	}
	log.Printf("✓ %d messages created", sum.Messages)
	log.Println("🎉 Database seeding completed successfully!")
	return sum, nil
}

// pickGroup chooses an owner and between one and maxSize-1 distinct members.
func (s *Seeder) pickGroup(users []*models.User, maxSize int) (*models.User, []*models.User) {
	perm := s.factory.rnd.Perm(len(users))
	size := 2
	if limit := min(maxSize, len(users)); limit > 2 {
		size += s.factory.rnd.Intn(limit - 1)
	}
	owner := users[perm[0]]
	members := make([]*models.User, 0, size-1)
	for _, idx := range perm[1:size] {
		members = append(members, users[idx])
	}
	return owner, members
}
