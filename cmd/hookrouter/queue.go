package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/basket/hookrouter/internal/background"
	"github.com/basket/hookrouter/internal/config"
	"github.com/basket/hookrouter/internal/persistence"
	"github.com/basket/hookrouter/internal/telemetry"
)

func runQueueTaskCommand(ctx context.Context, sources []string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hookrouter queue-task", flag.ContinueOnError)
	fs.SetOutput(stderr)
	session := fs.String("session", "", "session id the task belongs to")
	source := fs.String("source", "cli", "source name reported with the task's feedback")
	timeout := fs.Int("timeout", background.DefaultTimeout, "timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	command := fs.Args()
	if len(command) == 0 {
		fmt.Fprintln(stderr, "hookrouter: queue-task requires a command after --")
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintf(stderr, "hookrouter: -timeout must be positive, got %d\n", *timeout)
		return 2
	}

	// The state dir comes from config when one resolves; queueing does not
	// need tasks, so a missing config falls back to the defaults.
	stateDir := config.DefaultStateDir()
	if cfg, err := config.NewResolver("", telemetry.Discard()).Load(ctx, sources...); err == nil {
		stateDir = cfg.StateDir
	}
	cfg := &config.Config{StateDir: stateDir}
	sessionDir := cfg.SessionDir(*session)

	store, err := persistence.OpenSession(sessionDir)
	if err != nil {
		fmt.Fprintf(stderr, "hookrouter: failed to queue task: %v\n", err)
		return 1
	}
	defer store.Close()

	q := background.New(store, sessionDir, *session, background.Options{Logger: telemetry.Discard()})
	id, err := q.Enqueue(ctx, background.Request{
		Command: command,
		Source:  *source,
		Type:    background.DefaultDropInType,
		Timeout: float64(*timeout),
	})
	if err != nil {
		fmt.Fprintf(stderr, "hookrouter: failed to queue task: %v\n", err)
		return 1
	}

	sessionName := *session
	if sessionName == "" {
		sessionName = "default"
	}
	fmt.Fprintf(stdout, "Queued task: %s\n", id)
	fmt.Fprintf(stdout, "Session: %s\n", sessionName)
	fmt.Fprintf(stdout, "Command: %s\n", strings.Join(command, " "))
	return 0
}
