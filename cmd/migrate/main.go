package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"granada.sch.id/backoffice/internal/auth"
	"granada.sch.id/backoffice/internal/migrate"
	"granada.sch.id/backoffice/internal/store/memory"
	"granada.sch.id/backoffice/internal/store/pg"
	"granada.sch.id/backoffice/migrations"
)

const usage = "usage: migrate [up|down|seed|status|pending|bootstrap-superadmin]"

func main() {
	log.SetFlags(0)
	var (
		dsn      = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		handle   = flag.String("username", "superadmin", "bootstrap-superadmin: username")
		email    = flag.String("email", "", "bootstrap-superadmin: email")
		name     = flag.String("name", "Super Admin", "bootstrap-superadmin: display name")
		password = flag.String("password", os.Getenv("BOOTSTRAP_PASSWORD"), "bootstrap-superadmin: initial password")
		cost     = flag.Int("bcrypt-cost", 10, "bootstrap-superadmin: bcrypt cost")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.SQL(), migrations.Seeds())

	var lines []string
	switch flag.Arg(0) {
	case "up":
		lines, err = mgr.Up(ctx)
		lines = prefix("applied ", lines)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if name != "" {
			lines = []string{"rolled back " + name}
		}
	case "seed":
		lines, err = mgr.Seed(ctx)
		lines = prefix("seeded ", lines)
	case "status":
		lines, err = mgr.Status(ctx)
	case "pending":
		lines, err = mgr.Pending(ctx)
	case "bootstrap-superadmin":
		err = bootstrap(ctx, db, auth.NewIdentity{
			Handle:   *handle,
			Password: *password,
			Name:     *name,
			Email:    *email,
			Roles:    []string{string(auth.RoleSuperadmin)},
		}, *cost)
		if err == nil {
			lines = []string{"created superadmin " + strings.ToLower(*handle)}
		}
	default:
		log.Fatalf("unknown command %q\n%s", flag.Arg(0), usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}

// bootstrap creates the first superadmin so the directory can be administered over HTTP.
func bootstrap(ctx context.Context, db *sql.DB, in auth.NewIdentity, cost int) error {
	if in.Password == "" {
		return fmt.Errorf("initial password required: provide -password or BOOTSTRAP_PASSWORD")
	}
	store := pg.New(db)
	// A new identity has no sessions to end.
	identities, err := auth.NewIdentityService(store.Identities(), store.Credentials(), memory.NewSessions(nil), cost)
	if err != nil {
		return err
	}
	operator := auth.Principal{Handle: "migrate", Roles: auth.NewRoleSet(auth.RoleSuperadmin)}
	_, err = identities.Create(ctx, operator, in)
	return err
}

func prefix(p string, items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, p+item)
	}
	return out
}
