package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/dbpool"
)

// Drops the webhook queue table so the server recreates it with the current
// schema on next start. Use after upgrading across a queue schema change.
func main() {
	cfgPath := flag.String("config", "", "path to config yaml (optional, env vars apply)")
	yes := flag.Bool("yes", false, "actually drop the table (dry run without it)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Storage.Backend != "postgres" {
		log.Fatalf("storage backend is %q, this tool only handles postgres", cfg.Storage.Backend)
	}

	table := cfg.Storage.SchemaMapping.WebhookQueue.TableName
	if table == "" {
		table = "webhook_queue"
	}

	pool, err := dbpool.NewSharedPool(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
	if err != nil {
		log.Fatal("Failed to connect:", err)
	}
	defer pool.Close()
	db := pool.DB()
	fmt.Println("✓ Connected to database successfully")

	if !*yes {
		fmt.Printf("Would drop table %q. Re-run with -yes to proceed.\n", table)
		return
	}

	fmt.Printf("Dropping %s...\n", table)
	if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
		log.Fatal("Failed to drop table:", err)
	}

	fmt.Println("✓ Table dropped successfully!")
	fmt.Println("\nNext step: Restart your server to recreate the table with correct schema.")
	fmt.Println("The server will automatically create the table with all required columns.")
}
