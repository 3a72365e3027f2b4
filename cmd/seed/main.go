// Command main runs the database seeder for Parley.
package main

import (
	"context"
	"flag"
	"log"

	"parley/internal/config"
	"parley/internal/database"
	"parley/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 50, "Number of users to create")
	numGroups := flag.Int("groups", 10, "Number of group conversations to create")
	numDirects := flag.Int("directs", 30, "Number of direct conversations to create")
	messages := flag.Int("messages", 40, "Messages per conversation")
	groupSize := flag.Int("group-size", 12, "Maximum group size")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	dryRun := flag.Bool("dry-run", false, "Build records without writing them")
	preset := flag.String("preset", "", "Apply a named preset (small, demo, loadtest)")
	flag.Parse()

	log.Println("🌱 Database Seeder")
	log.Println("==================")

	opts := seed.Options{
		NumUsers:                *numUsers,
		NumGroups:               *numGroups,
		NumDirects:              *numDirects,
		MessagesPerConversation: *messages,
		MaxGroupSize:            *groupSize,
	}
	if *preset != "" {
		p, ok := seed.Presets[*preset]
		if !ok {
			log.Fatalf("❌ Unknown preset %q", *preset)
		}
		log.Printf("Applying preset: %s (ignoring size flags)\n", *preset)
		opts = p
	}
	opts.DryRun = *dryRun

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s := seed.NewSeeder(db, opts)
	if *shouldClean && !*dryRun {
		if err := s.ClearAll(); err != nil {
			log.Fatalf("❌ Cleanup failed: %v", err)
		}
	}

	if _, err := s.Run(context.Background()); err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}
	log.Println("✨ All done! Your database is now populated with test data.")
}
