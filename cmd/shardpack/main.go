package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/parcelize/shardpack/internal/catalog"
	"github.com/parcelize/shardpack/internal/config"
	"github.com/parcelize/shardpack/internal/logging"
	"github.com/parcelize/shardpack/internal/manifest"
	"github.com/parcelize/shardpack/internal/metrics"
	"github.com/parcelize/shardpack/internal/packer"
	"github.com/parcelize/shardpack/internal/report"
	"github.com/parcelize/shardpack/internal/source"
	"github.com/parcelize/shardpack/internal/storage"
)

const usage = `shardpack packages files from drive folders and direct URLs into parquet shards.

Usage:
  shardpack run    [-config shardpack.yaml] [-source src.yaml] [-manifest-only]
                   fetch the source and pack it
  shardpack verify [-config shardpack.yaml] [-source src.yaml]
                   cross-check shards against the manifest
  shardpack status [-config shardpack.yaml] [-source src.yaml]
                   show where the source stands

Exit codes: 0 ok, 1 usage or configuration error, 2 run aborted,
3 verify found inconsistencies.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "shardpack.yaml", "path to the run configuration")
	sourcePath := fs.String("source", "", "standalone source descriptor overriding the config's source block")
	var manifestOnly *bool
	if cmd == "run" {
		manifestOnly = fs.Bool("manifest-only", false, "enumerate and record metadata without fetching")
	}
	fs.Parse(rest)

	cfg, err := config.Load(*configPath, *sourcePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shardpack: %v\n", err)
		return 1
	}
	if manifestOnly != nil && *manifestOnly {
		cfg.ManifestOnly = true
	}

	log := logging.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		return cmdRun(ctx, cfg, log)
	case "verify":
		return cmdVerify(ctx, cfg, log)
	case "status":
		return cmdStatus(ctx, cfg, log)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
}

func cmdRun(ctx context.Context, cfg *config.Config, log *slog.Logger) int {
	log.Info("shardpack starting",
		"version", packer.Version,
		"git_sha", packer.GitSHA,
		"source", cfg.Source.Name)

	if cfg.Metrics.Addr != "" {
		metrics.Init("shardpack")
		go func() {
			log.Info("serving metrics", "addr", cfg.Metrics.Addr)
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	man, err := manifest.New(manifestConfig(cfg))
	if err != nil {
		log.Error("opening manifest failed", "error", err)
		return 1
	}
	defer man.Close()

	store, err := storage.New(ctx, storageConfig(cfg))
	if err != nil {
		log.Error("opening shard storage failed", "error", err)
		return 1
	}
	defer store.Close()

	cat, err := catalog.New(catalog.Config{
		DSN:       cfg.Catalog.DSN,
		Namespace: cfg.Catalog.Namespace,
	}, log)
	if err != nil {
		log.Error("connecting to catalog failed", "error", err)
		return 1
	}
	defer cat.Close()

	emitter := report.NewEmitter(cfg.Report, log)
	defer emitter.Close()

	drive := source.NewDriveClient(cfg.Drive.APIBase, cfg.Drive.APIKey,
		cfg.Fetch.PageSize, cfg.Fetch.Timeout(), log)
	spec := sourceSpec(cfg)

	p, err := packer.New(cfg, packer.Deps{
		Manifest: man,
		Shards:   store,
		Catalog:  cat,
		Reports:  emitter,
		Fetchers: map[source.Backend]source.Fetcher{
			source.BackendHTTP:  source.NewHTTPFetcher(cfg.Fetch.Timeout(), cfg.Shards.ContentCeilingBytes, log),
			source.BackendDrive: source.NewDriveFetcher(drive, cfg.Shards.ContentCeilingBytes, cfg.Fetch.DriveDelay(), log),
		},
		NewEnumerator: func(resume *source.Cursor) source.Enumerator {
			return source.NewEnumerator(spec, drive, resume, log)
		},
		Log: log,
	})
	if err != nil {
		log.Error("building packer failed", "error", err)
		return 1
	}

	rep, err := p.Run(ctx)
	if rep != nil {
		fmt.Print(rep.Render())
	}
	if err != nil {
		log.Error("run aborted", "error", err)
		return 2
	}
	return 0
}

func cmdVerify(ctx context.Context, cfg *config.Config, log *slog.Logger) int {
	man, err := manifest.New(manifestConfig(cfg))
	if err != nil {
		log.Error("opening manifest failed", "error", err)
		return 1
	}
	defer man.Close()

	store, err := storage.New(ctx, storageConfig(cfg))
	if err != nil {
		log.Error("opening shard storage failed", "error", err)
		return 1
	}
	defer store.Close()

	res, err := packer.Verify(ctx, man, store)
	if err != nil {
		log.Error("verify failed to run", "error", err)
		return 1
	}

	fmt.Print(res.Render())
	if !res.Passed {
		return 3
	}
	return 0
}

func cmdStatus(ctx context.Context, cfg *config.Config, log *slog.Logger) int {
	man, err := manifest.New(manifestConfig(cfg))
	if err != nil {
		log.Error("opening manifest failed", "error", err)
		return 1
	}
	defer man.Close()

	sum, err := packer.Status(ctx, man)
	if err != nil {
		log.Error("reading manifest failed", "error", err)
		return 1
	}

	fmt.Printf("source: %s\n", cfg.Source.Name)
	fmt.Print(sum.Render())
	return 0
}

// manifestConfig locates the manifest, defaulting to a file next to
// the shard output.
func manifestConfig(cfg *config.Config) manifest.Config {
	path := cfg.Manifest.Path
	if path == "" {
		name := "manifest.json"
		if cfg.Manifest.Backend == "sqlite" {
			name = "manifest.db"
		}
		path = filepath.Join(cfg.Output.Dir, name)
	}
	return manifest.Config{Backend: cfg.Manifest.Backend, Path: path}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Backend:   cfg.Output.Backend,
		Dir:       cfg.Output.Dir,
		BucketURL: cfg.Output.BucketURL,
		Prefix:    cfg.Output.Prefix,
	}
}

func sourceSpec(cfg *config.Config) source.Spec {
	spec := source.Spec{Name: cfg.Source.Name}
	for _, item := range cfg.Source.Items {
		spec.Items = append(spec.Items, source.ItemSpec{
			Kind:          item.Kind,
			URL:           item.URL,
			Filename:      item.Filename,
			FolderID:      item.FolderID,
			PathPrefix:    item.PathPrefix,
			Recursive:     item.Recursive,
			DecompressZst: item.DecompressZst,
		})
	}
	return spec
}
