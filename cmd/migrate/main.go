package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

const migrationsDir = "deploy/sql/migrations"

func main() {
	var (
		direction = flag.String("direction", "up", "migration direction: up or down")
		steps     = flag.Int("steps", 0, "number of migrations to apply (0 = all possible)")
	)
	flag.Parse()

	if flag.NArg() > 0 {
		*direction = flag.Arg(0)
	}
	if *direction != "up" && *direction != "down" {
		log.Fatalf("invalid direction %q (expected up or down)", *direction)
	}

	databaseURL := os.Getenv("POSTGRES_URL")
	if databaseURL == "" {
		log.Fatal("POSTGRES_URL is required")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		log.Fatalf("ensure schema_migrations table: %v", err)
	}

	migrations, err := loadMigrations(migrationsDir)
	if err != nil {
		log.Fatalf("load migrations: %v", err)
	}
	if len(migrations) == 0 {
		log.Println("no migration files found")
		return
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		log.Fatalf("load applied migrations: %v", err)
	}

	var count int
	for _, m := range pending(*direction, *steps, migrations, applied) {
		if err := apply(ctx, conn, *direction, m); err != nil {
			log.Fatalf("apply migration %s %s: %v", m.version, *direction, err)
		}
		count++
	}
	log.Printf("completed %d %s migration(s)", count, *direction)
}

type migration struct {
	version  string
	upPath   string
	downPath string
}

func loadMigrations(root string) ([]migration, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	byVersion := map[string]*migration{}
	record := func(version string) *migration {
		m := byVersion[version]
		if m == nil {
			m = &migration{version: version}
			byVersion[version] = m
		}
		return m
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			record(strings.TrimSuffix(name, ".up.sql")).upPath = filepath.Join(root, name)
		case strings.HasSuffix(name, ".down.sql"):
			record(strings.TrimSuffix(name, ".down.sql")).downPath = filepath.Join(root, name)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.upPath == "" || m.downPath == "" {
			return nil, fmt.Errorf("migration %q missing up or down file", m.version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func appliedVersions(ctx context.Context, conn *pgx.Conn) (map[string]bool, error) {
	rows, err := conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func pending(direction string, steps int, all []migration, applied map[string]bool) []migration {
	var selected []migration
	switch direction {
	case "up":
		for _, m := range all {
			if !applied[m.version] {
				selected = append(selected, m)
			}
		}
	case "down":
		for i := len(all) - 1; i >= 0; i-- {
			if applied[all[i].version] {
				selected = append(selected, all[i])
			}
		}
	}
	if steps > 0 && steps < len(selected) {
		selected = selected[:steps]
	}
	return selected
}

func apply(ctx context.Context, conn *pgx.Conn, direction string, m migration) error {
	path := m.upPath
	if direction == "down" {
		path = m.downPath
	}
	sqlBytes, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		return err
	}
	if direction == "up" {
		_, err = tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version)
	} else {
		_, err = tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.version)
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.Printf("applied %s migration %s", direction, m.version)
	return nil
}
