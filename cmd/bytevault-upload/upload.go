package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	uploadanalytics "github.com/bytevault-io/go-uploader/analytics"
	"github.com/bytevault-io/go-uploader/chunkplan"
	"github.com/bytevault-io/go-uploader/config"
	"github.com/bytevault-io/go-uploader/protocol"
	"github.com/bytevault-io/go-uploader/registry"
	"github.com/bytevault-io/go-uploader/scheduler"
	"github.com/bytevault-io/go-uploader/sessionstore"
	"github.com/bytevault-io/go-uploader/task"
)

const shutdownTimeout = 30 * time.Second

var errInterrupted = errors.New("interrupted, uploads paused")

type options struct {
	ParentID int64
	Public   bool
	Resume   bool
	Paths    []string
}

func parseOptions(args []string, output io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("bytevault-upload", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Int64Var(&opts.ParentID, "parent", 0, "id of the folder the files are uploaded to")
	fs.BoolVar(&opts.Public, "public", false, "make the uploaded files public")
	fs.BoolVar(&opts.Resume, "resume", false, "resume the uploads persisted in the session store")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.Paths = fs.Args()

	if len(opts.Paths) == 0 && !opts.Resume {
		return options{}, errors.New("no files given, pass paths or glob patterns, or -resume")
	}
	return opts, nil
}

// run uploads the files named by args and returns when every task has finished or ctx is done.
// When ctx is done the running uploads are paused and their sessions stay persisted.
func run(ctx context.Context, args []string, repo env.Repository, logger log.Logger) error {
	opts, err := parseOptions(args, io.Discard)
	if err != nil {
		return err
	}

	cfg, err := config.Load(repo)
	if err != nil {
		return err
	}
	logger.EnableDebugLog(cfg.Verbose)
	cfg.Print(logger)
	logger.Println()

	client, err := newClient(ctx, cfg, repo, logger)
	if err != nil {
		return err
	}

	var store sessionstore.Store
	if cfg.SessionStore != "" {
		store, err = sessionstore.Open(ctx, cfg.SessionStore)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warnf("Failed to close session store: %s", err)
			}
		}()
	} else if opts.Resume {
		return fmt.Errorf("-resume needs %s", config.SessionStoreKey)
	}

	tracker := uploadanalytics.NewRunTracker(repo, func(properties ...analytics.Properties) analytics.Tracker {
		return registry.NewLogTracker(logger, properties...)
	})
	reg := registry.New(client, scheduler.New(client, cfg.SchedulerConfig(), logger), registry.Options{
		ChunkSize: cfg.ChunkSize,
		Store:     store,
		Tracker:   tracker,
	}, logger)

	events, unsubscribe := reg.Subscribe()
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		newProgressPrinter(logger).render(events)
	}()
	defer func() {
		unsubscribe()
		<-rendered
	}()

	sources := &openSources{}
	defer sources.closeAll(logger)

	var ids []string
	if opts.Resume {
		restored, err := reg.Restore(ctx, func(session sessionstore.Session) (chunkplan.Source, error) {
			src, err := sources.open(session.FilePath)
			if err != nil {
				return nil, err
			}
			return src, nil
		})
		if err != nil {
			return err
		}
		logger.Infof("Restored %d upload(s)", len(restored))
		for _, id := range restored {
			if err := reg.Resume(id); err != nil {
				return err
			}
		}
		ids = append(ids, restored...)
	}

	evaluator := pathEvaluator{
		logger:       logger,
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
	}
	for _, path := range evaluator.evaluatePaths(opts.Paths) {
		src, err := sources.open(path)
		if err != nil {
			logger.Warnf("Skipping %s: %s", path, err)
			continue
		}
		id, err := reg.Add(src, protocol.Destination{ParentID: opts.ParentID, Public: opts.Public})
		if err != nil {
			logger.Warnf("Skipping %s: %s", path, err)
			continue
		}
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return errors.New("nothing to upload")
	}

	for _, id := range ids {
		if err := reg.Wait(ctx, id); err != nil && ctx.Err() == nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	if ctx.Err() != nil {
		logger.Println()
		logger.Warnf("Uploads paused")
		if store != nil {
			logger.Printf("Run again with -resume to continue them.")
		}
		return errInterrupted
	}

	return summarize(reg.List(), logger)
}

func newClient(ctx context.Context, cfg config.Config, repo env.Repository, logger log.Logger) (protocol.Client, error) {
	switch cfg.Backend {
	case config.BackendS3:
		client, err := protocol.NewS3Client(ctx, cfg.S3ClientConfig(), logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		tokens, err := cfg.TokenStore(repo)
		if err != nil {
			return nil, fmt.Errorf("token store: %w", err)
		}
		client, err := protocol.NewHTTPClient(cfg.HTTPClientConfig(tokens), logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func summarize(snapshots []task.Snapshot, logger log.Logger) error {
	logger.Println()
	logger.Infof("Summary:")

	failed := 0
	for _, snapshot := range snapshots {
		switch {
		case snapshot.State == task.Failed:
			failed++
			logger.Errorf("- %s: %s: %s", snapshot.FileName, snapshot.State.Label(), snapshot.LastError)
		case snapshot.Warning != nil:
			logger.Warnf("- %s: %s, merge not confirmed: %s", snapshot.FileName, snapshot.State.Label(), snapshot.Warning)
		default:
			logger.Printf("- %s: %s", snapshot.FileName, snapshot.State.Label())
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(snapshots))
	}
	logger.Donef("All %d uploads finished", len(snapshots))
	return nil
}

// openSources keeps the files opened for the uploads of a run.
type openSources struct {
	mu      sync.Mutex
	sources []*chunkplan.FileSource
}

func (s *openSources) open(path string) (*chunkplan.FileSource, error) {
	src, err := chunkplan.OpenFile(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sources = append(s.sources, src)
	s.mu.Unlock()
	return src, nil
}

func (s *openSources) closeAll(logger log.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, src := range s.sources {
		if err := src.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", src.Path(), err)
		}
	}
	s.sources = nil
}
