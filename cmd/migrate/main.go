package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/aihub/rag-go/internal/config"
	"github.com/aihub/rag-go/internal/database"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	var action = flag.String("action", "up", "Migration action: up, down, status, goto, force")
	var version = flag.Int("version", -1, "Target version for goto/force")
	var path = flag.String("path", "./migrations", "Directory containing migration files")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	manager, err := database.NewMigrationManager(db, *path, logger)
	if err != nil {
		log.Fatalf("Failed to create migration manager: %v", err)
	}
	defer manager.Close()

	switch *action {
	case "up":
		if err := manager.Up(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}

	case "down":
		if err := manager.Down(); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}

	case "status":
		status, err := manager.Status()
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		if !status.Applied {
			fmt.Println("No migrations applied")
			return
		}
		fmt.Printf("Current version: %d", status.Version)
		if status.Dirty {
			fmt.Printf(" (dirty - manual intervention required)")
		}
		fmt.Println()

	case "goto":
		if *version < 0 {
			log.Fatal("Version must be specified for goto action")
		}
		if err := manager.Goto(uint(*version)); err != nil {
			log.Fatalf("Migration to version %d failed: %v", *version, err)
		}

	case "force":
		if *version < 0 {
			log.Fatal("Version must be specified for force action")
		}
		if err := manager.Force(*version); err != nil {
			log.Fatalf("Force version %d failed: %v", *version, err)
		}

	default:
		fmt.Printf("Unknown action: %s\n", *action)
		fmt.Println("Available actions: up, down, status, goto, force")
		os.Exit(1)
	}
}
