// Command migrate manages the session store schema.
//
//	migrate [-driver postgres|sqlite3] [-dsn DSN] up|down [N]|version
//
// The DSN defaults to DATABASE_URL, read from the environment or a .env file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/store/sqlstore"
)

func main() {
	driver := flag.String("driver", sqlstore.DriverPostgres, "database driver: postgres or sqlite3")
	dsn := flag.String("dsn", "", "database DSN (default $DATABASE_URL)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Fatal("failed to load .env", zap.Error(err))
	}
	if *dsn == "" {
		*dsn = os.Getenv("DATABASE_URL")
	}
	if *dsn == "" {
		logger.Fatal("no DSN given; set -dsn or DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := sqlstore.Connect(ctx, *driver, *dsn)
	if err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}
	defer db.Close()

	cmd := flag.Arg(0)
	switch cmd {
	case "up", "":
		err = sqlstore.Migrate(db)
	case "down":
		steps := 1
		if arg := flag.Arg(1); arg != "" {
			if steps, err = strconv.Atoi(arg); err != nil {
				logger.Fatal("bad step count", zap.String("arg", arg))
			}
		}
		err = sqlstore.MigrateDown(db, steps)
	case "version":
		v, dirty, verr := sqlstore.Version(db)
		if verr != nil {
			logger.Fatal("failed to read version", zap.Error(verr))
		}
		fmt.Printf("version=%d dirty=%t\n", v, dirty)
		return
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		logger.Fatal("migration failed", zap.String("command", cmd), zap.Error(err))
	}

	v, dirty, err := sqlstore.Version(db)
	if err != nil {
		logger.Fatal("failed to read version", zap.Error(err))
	}
	logger.Info("migration complete", zap.String("command", cmd), zap.Uint("version", v), zap.Bool("dirty", dirty))
}
