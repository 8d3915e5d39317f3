package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/ledger"
	"schoolgate.org/internal/migrate"
	"schoolgate.org/internal/store/pg"
	"schoolgate.org/ops/migrations"
)

const usage = "usage: migrate [-dsn DSN] [up|down|seed|status|passwd -login KEY -password PW]"

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv("SCHOOLGATE_DB_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "directory of SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "directory of SQL seeds (default: embedded)")
		logFormat      = flag.String("log-format", "console", "json or console")
	)
	flag.Parse()

	logger, err := newLogger(*logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or SCHOOLGATE_DB_DSN")
	}
	if flag.NArg() == 0 {
		logger.Fatal(usage)
	}

	migFS, seedFS, err := sources(*migrationsPath, *seedsPath)
	if err != nil {
		logger.Fatal("load migrations", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migFS, seedFS, migrate.WithLogger(logger))

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil && len(applied) == 0 {
			logger.Info("schema is up to date")
		}
	case "down":
		_, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			logger.Info("nothing to roll back")
			err = nil
		}
	case "seed":
		_, err = mgr.Seed(ctx)
	case "status":
		var entries []migrate.Entry
		entries, err = mgr.Status(ctx)
		for _, e := range entries {
			mark := " "
			if e.Applied {
				mark = "x"
			}
			fmt.Printf("[%s] %s\n", mark, e.Name)
		}
	case "passwd":
		err = setPassword(ctx, db, flag.Args()[1:])
	default:
		logger.Fatal("unknown command", zap.String("command", cmd), zap.String("usage", usage))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}

// setPassword stores a bcrypt hash for an existing account, typically a seeded staff login.
func setPassword(ctx context.Context, db *sql.DB, args []string) error {
	fl := flag.NewFlagSet("passwd", flag.ContinueOnError)
	login := fl.String("login", "", "account login key (staff code, or ADMISSION/COURSE)")
	password := fl.String("password", "", "new password")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if *login == "" || len(*password) < 8 {
		return errors.New("passwd: -login and a -password of at least 8 characters are required")
	}
	key := ledger.NormalizeKey(*login)
	if adm, course, ok := strings.Cut(*login, "/"); ok {
		key = ledger.StudentLoginKey(adm, course)
	}
	hash, err := auth.HashPassword(*password)
	if err != nil {
		return err
	}
	return pg.New(db).SetPassword(ctx, key, hash)
}

func sources(migrationsPath, seedsPath string) (fs.FS, fs.FS, error) {
	var migFS, seedFS fs.FS
	if migrationsPath != "" {
		migFS = os.DirFS(migrationsPath)
	} else {
		sub, err := fs.Sub(migrations.FS, migrations.SQLDir)
		if err != nil {
			return nil, nil, err
		}
		migFS = sub
	}
	if seedsPath != "" {
		seedFS = os.DirFS(seedsPath)
	} else {
		sub, err := fs.Sub(migrations.FS, migrations.SeedsDir)
		if err != nil {
			return nil, nil, err
		}
		seedFS = sub
	}
	return migFS, seedFS, nil
}

func newLogger(format string) (*zap.Logger, error) {
	if format == "json" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
