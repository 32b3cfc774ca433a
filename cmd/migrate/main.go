package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"

	"medguard.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn   = flag.String("dsn", os.Getenv("MEDGUARD_DATABASE_DSN"), "PostgreSQL DSN")
		table = flag.String("table", "", "migrations bookkeeping table (default schema_migrations)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or MEDGUARD_DATABASE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status|force VERSION]")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr, err := migrate.NewManager(db, migrate.WithMigrationsTable(*table))
	if err != nil {
		log.Fatalf("init migrations: %v", err)
	}
	defer mgr.Close()

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up()
	case "down":
		err = mgr.Down()
	case "status":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = mgr.Status()
		if err == nil {
			fmt.Printf("version %d dirty=%t\n", version, dirty)
		}
	case "force":
		if flag.NArg() < 2 {
			log.Fatal("usage: migrate force VERSION")
		}
		var v int
		if v, err = strconv.Atoi(flag.Arg(1)); err != nil {
			log.Fatalf("invalid version %q", flag.Arg(1))
		}
		err = mgr.Force(v)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
