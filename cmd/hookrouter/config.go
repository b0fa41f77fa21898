package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/hookrouter/internal/config"
	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/sandbox/wasm"
	"github.com/basket/hookrouter/internal/telemetry"
)

func runListPresetsCommand(stdout io.Writer) int {
	for _, name := range config.PresetNames() {
		fmt.Fprintln(stdout, name)
	}
	return 0
}

func runCheckConfigCommand(ctx context.Context, sources []string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hookrouter check-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	extra := sourceList(sources)
	fs.Var(&extra, "config", "config file or preset:NAME (repeatable, comma-separated)")
	watch := fs.Bool("watch", false, "keep running and re-check on config or plugin changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx = config.WithCache(ctx, config.NewCache())
	cfg, err := loadAndPrint(ctx, extra, stdout, stderr)
	if err != nil {
		return 1
	}
	if !*watch {
		return 0
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: telemetry.ParseLevel(cfg.LogLevel)}))
	return watchConfig(ctx, cfg, extra, logger, stdout, stderr)
}

func loadAndPrint(ctx context.Context, sources []string, stdout, stderr io.Writer) (*config.Config, error) {
	cfg, err := config.NewResolver("", nil).Load(ctx, sources...)
	if err != nil {
		fmt.Fprintf(stderr, "hookrouter: %v\n", err)
		return nil, err
	}
	doc := cfg.Raw
	if doc == nil {
		doc = map[string]any{}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		fmt.Fprintf(stderr, "hookrouter: encode config: %v\n", err)
		return nil, err
	}
	for _, ev := range hook.Events {
		if n := len(cfg.Tasks(ev)); n > 0 {
			fmt.Fprintf(stderr, "%s: %d task(s)\n", ev, n)
		}
	}
	return cfg, nil
}

// watchConfig re-resolves the config whenever one of its files changes and
// recompiles plugins as their modules change.
func watchConfig(ctx context.Context, cfg *config.Config, sources []string, logger *slog.Logger, stdout, stderr io.Writer) int {
	cw := config.NewWatcher(cfg.Resolved, logger)
	if err := cw.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "hookrouter: watch config: %v\n", err)
		return 1
	}

	var notifications <-chan wasm.Notification
	if cfg.Plugins.Dir != "" {
		host, err := wasm.NewHost(ctx, wasm.Config{
			Dir:              cfg.Plugins.Dir,
			Entries:          cfg.Plugins.Entries,
			Logger:           logger,
			MemoryLimitPages: cfg.Plugins.MemoryLimitPages,
		})
		if err != nil {
			fmt.Fprintf(stderr, "hookrouter: plugin host: %v\n", err)
			return 1
		}
		defer host.Close(context.Background())
		pw := wasm.NewWatcher(host, logger)
		if err := pw.Start(ctx); err != nil {
			fmt.Fprintf(stderr, "hookrouter: watch plugins: %v\n", err)
		} else {
			notifications = pw.Notifications()
		}
	}

	fmt.Fprintf(stderr, "watching %d config file(s)\n", len(cfg.Resolved))
	events := cw.Events()
	for {
		select {
		case <-ctx.Done():
			return 0
		case ev, ok := <-events:
			if !ok {
				return 0
			}
			fmt.Fprintf(stderr, "changed: %s\n", ev.Path)
			if cache := config.CacheFrom(ctx); cache != nil {
				cache.Invalidate()
			}
			if _, err := loadAndPrint(ctx, sources, stdout, stderr); err == nil {
				fmt.Fprintln(stderr, "config OK")
			}
		case n := <-notifications:
			fmt.Fprintf(stderr, "plugin %s [%s]: %s\n", n.Plugin, n.Level, n.Message)
		}
	}
}
