// Command cblite-replicate is a small CLI front end for the replication
// core: point it at a remote CouchDB-compatible database and it pulls or
// pushes against an in-memory LocalStore, printing a summary once the
// replication reaches STOPPED. CLI/packaging is explicitly out
// of scope for the core (spec.md §1); this is the thin, disposable shell
// around it, in the same spirit as sync_gateway's own command-line entry
// point and the retrieval pack's other single-binary CLIs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jmspring/cblite-core/auth"
	"github.com/jmspring/cblite-core/base"
	"github.com/jmspring/cblite-core/blob"
	"github.com/jmspring/cblite-core/replicator"
	"github.com/jmspring/cblite-core/store"
	"github.com/jmspring/cblite-core/transport"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	var (
		remoteURL    = pflag.StringP("remote", "r", "", "remote database URL, e.g. https://host/db")
		dbDir        = pflag.StringP("dir", "d", "./cblite-data", "local database directory (attachments live under <dir>/attachments)")
		direction    = pflag.StringP("direction", "x", "pull", "replication direction: pull or push")
		createTarget = pflag.Bool("create-target", false, "create the remote database if missing (push only)")
		poll         = pflag.Duration("poll", 0, "if >0, repeat the one-shot replication on this interval instead of running once (continuous mode is unsupported, spec.md §9)")
		username     = pflag.StringP("username", "u", "", "cookie-auth username")
		password     = pflag.StringP("password", "p", "", "cookie-auth password")
		logLevel     = pflag.String("log-level", "info", "debug|info|warn|error")
		logFile      = pflag.String("log-file", "", "if set, log to this file (rotated via lumberjack) instead of stderr")
		redact       = pflag.Bool("redact-logs", false, "redact document IDs and digests in log output")
	)
	pflag.Parse()

	if *remoteURL == "" {
		fmt.Fprintln(os.Stderr, "cblite-replicate: -remote is required")
		pflag.Usage()
		os.Exit(2)
	}

	base.Redact = *redact
	configureLogging(*logLevel, *logFile)

	dir := *dbDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		base.Errorf("cblite-replicate: creating %s: %v", dir, err)
		os.Exit(1)
	}
	blobStore, err := blob.Open(filepath.Join(dir, "attachments"))
	if err != nil {
		base.Errorf("cblite-replicate: opening blob store: %v", err)
		os.Exit(1)
	}

	doer, err := transport.New()
	if err != nil {
		base.Errorf("cblite-replicate: building HTTP transport: %v", err)
		os.Exit(1)
	}

	var authorizer auth.Authorizer
	if *username != "" {
		authorizer = &auth.CookieAuthorizer{Username: *username, Password: *password}
	}

	var dirConst replicator.Direction
	var behavior replicator.Behavior
	switch *direction {
	case "pull":
		dirConst = replicator.DirectionPull
		behavior = replicator.NewPuller(replicator.PullerOptions{Style: "all_docs"})
	case "push":
		dirConst = replicator.DirectionPush
		behavior = replicator.NewPusher()
	default:
		fmt.Fprintf(os.Stderr, "cblite-replicate: -direction must be pull or push, got %q\n", *direction)
		os.Exit(2)
	}

	localStore := store.NewMemStore()
	mgr := replicator.NewManager()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		base.Infof("cblite-replicate: signal received, stopping")
		cancel()
	}()

	runOnce := func() {
		core, err := mgr.NewCore(replicator.Config{
			RemoteURL:    *remoteURL,
			Direction:    dirConst,
			LocalStore:   localStore,
			Doer:         doer,
			Authorizer:   authorizer,
			CreateTarget: *createTarget,
			BlobStore:    blobStore,
		}, behavior)
		if err != nil {
			base.Errorf("cblite-replicate: configuring replication: %v", err)
			return
		}
		if err := core.Start(ctx); err != nil {
			base.Errorf("cblite-replicate: starting replication: %v", err)
			return
		}
		for core.State() != replicator.StateStopped {
			select {
			case <-ctx.Done():
				core.Stop()
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
		base.Infof("cblite-replicate: %s finished at lastSequence=%s (failed=%d, lastError=%v)",
			dirConst, core.LastSequenceString(), core.RevisionsFailed(), core.LastError())
	}

	runOnce()
	for *poll > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(*poll):
			runOnce()
		}
	}
}

func configureLogging(level, file string) {
	var hlevel hclog.Level
	switch level {
	case "debug":
		hlevel = hclog.Debug
	case "warn":
		hlevel = hclog.Warn
	case "error":
		hlevel = hclog.Error
	default:
		hlevel = hclog.Info
	}

	opts := &hclog.LoggerOptions{Name: "cblite", Level: hlevel}
	if file != "" {
		opts.Output = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	} else {
		opts.Output = os.Stderr
	}
	base.SetOutput(hclog.New(opts))
}
