package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/RAYMONDNJOROGE/uptime-final/db"
)

type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func main() {
	command := flag.String("command", "up", "Migration command (up, status)")
	timeout := flag.Duration("timeout", time.Minute, "Overall migration timeout")
	flag.Parse()

	var cfg Config
	log.Println("Loading configuration...")

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found: %v", err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *command {
	case "up":
		log.Println("Running migrations...")
		if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Println("Migrations completed successfully!")
	case "status":
		if err := db.Status(ctx, cfg.DatabaseURL); err != nil {
			log.Fatalf("Failed to read migration status: %v", err)
		}
	default:
		log.Fatalf("Unknown command %q (want up or status)", *command)
	}
}
