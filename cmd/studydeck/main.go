package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/pflag"
	"github.com/studydeck/studydeck/internal/config"
	"github.com/studydeck/studydeck/internal/storage"
	"github.com/studydeck/studydeck/internal/sync"
	"github.com/studydeck/studydeck/internal/web"
)

func main() {
	flags := pflag.NewFlagSet("studydeck", pflag.ExitOnError)
	configFile := flags.String("config", "", "Path to a yaml config file")
	flags.String("driver", "sqlite", "Storage backend: sqlite or postgres")
	flags.String("sqlite-path", "studydeck.db", "Path to the SQLite database file")
	flags.String("postgres-dsn", "", "Postgres connection string (driver=postgres)")
	flags.String("listen-addr", ":8484", "HTTP listen address")
	flags.String("owner", "default", "Owner id for requests without one")
	flags.String("repos-dir", "repos", "Directory for mirrored git sources")
	addSource := flags.String("add-source", "", "Register a deck source (path or git URL) and exit")
	listSources := flags.Bool("list-sources", false, "List registered sources and exit")
	runSync := flags.Bool("sync", false, "Sync all sources before serving")
	if err := flags.Parse(os.Args[1:]); err != nil {
		slog.Error("failed to parse flags", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile, flags)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("store opened", "driver", cfg.Driver)

	ctx := context.Background()

	if *addSource != "" {
		sourceType := sync.GuessSourceType(*addSource)
		src, err := store.AddSource(ctx, cfg.Owner, *addSource, sourceType)
		if err != nil {
			slog.Error("failed to add source", "path", *addSource, "error", err)
			os.Exit(1)
		}
		fmt.Printf("Added %s source %s (%s)\n", src.Type, src.Path, src.ID)
		return
	}

	if *listSources {
		sources, err := store.ListSources(ctx, cfg.Owner)
		if err != nil {
			slog.Error("failed to list sources", "error", err)
			os.Exit(1)
		}
		for _, src := range sources {
			scanned := "never"
			if !src.LastScanned.IsZero() {
				scanned = src.LastScanned.Format("2006-01-02 15:04")
			}
			fmt.Printf("%s\t%s\t%s\tlast scanned: %s\n", src.ID, src.Type, src.Path, scanned)
		}
		return
	}

	if *runSync {
		if err := sync.RunSync(ctx, store, cfg.Owner, cfg.ReposDir); err != nil {
			slog.Error("sync failed", "error", err)
			os.Exit(1)
		}
	}

	srv := web.NewServer(store, cfg.Owner, cfg.ReposDir)
	slog.Info("listening", "addr", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, srv); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return storage.OpenPostgres(cfg.PostgresDSN)
	default:
		return storage.OpenSQLite(cfg.SQLitePath)
	}
}
