package main

import (
	"errors"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/safar/marketplace-core/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: migrate [up|down]")
	}
	direction := os.Args[1]
	if direction != "up" && direction != "down" {
		log.Fatal("Direction must be 'up' or 'down'")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	m, err := migrate.New("file://migrations", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Open migrations: %v", err)
	}
	defer m.Close()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("Run migrations %s: %v", direction, err)
	}

	version, dirty, _ := m.Version()
	log.Printf("Migrations %s complete (version %d, dirty=%v)", direction, version, dirty)
}
