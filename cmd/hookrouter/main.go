package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	hotel "github.com/basket/hookrouter/internal/otel"
	"github.com/basket/hookrouter/internal/router"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = hotel.Version

// sourceList collects repeated -config flags.
type sourceList []string

func (s *sourceList) String() string { return strings.Join(*s, ",") }

func (s *sourceList) Set(v string) error {
	if strings.TrimSpace(v) == "" {
		return errors.New("empty config source")
	}
	*s = append(*s, v)
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage of hookrouter:

HOOK MODE (default):
  hookrouter [-config SOURCE] < input.json
                              Run the tasks configured for the hook event on
                              stdin and print one JSON response

SUBCOMMANDS:
  hookrouter check-config [-config SOURCE] [-watch]
                              Print the resolved merged config; -watch reports
                              config and plugin changes until interrupted
  hookrouter list-presets     List the built-in config presets
  hookrouter queue-task -session ID [-source NAME] [-timeout N] -- COMMAND...
                              Queue a background command for a session
  hookrouter doctor [-json]   Run diagnostic checks
  hookrouter version          Print the version

FLAGS:
  -config SOURCE              Config file or preset:NAME; repeat or comma-separate

ENVIRONMENT VARIABLES:
  HOOKROUTER_CONFIG           Config sources when -config is not given
  HOOKROUTER_STATE_DIR        Session state and logs (default: user cache dir)
  HOOKROUTER_LOG_LEVEL        debug, info, warn or error
  HOOKROUTER_CONCURRENCY      Maximum tasks run at once
  HOOKROUTER_DEFAULT_TIMEOUT  Per-task timeout in seconds

EXAMPLES:
  Use a preset:               hookrouter -config preset:python < input.json
  Validate config:            hookrouter check-config -config hooks.yml
  Queue a lint run:           hookrouter queue-task -session $SID -- make lint
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hookrouter", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }
	var sources sourceList
	fs.Var(&sources, "config", "config file or preset:NAME (repeatable, comma-separated)")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, Version)
		return 0
	}

	if rest := fs.Args(); len(rest) > 0 {
		switch strings.ToLower(strings.TrimSpace(rest[0])) {
		case "help", "-h", "--help":
			printUsage(stdout)
			return 0
		case "version":
			fmt.Fprintln(stdout, Version)
			return 0
		case "check-config":
			return runCheckConfigCommand(ctx, sources, rest[1:], stdout, stderr)
		case "list-presets":
			return runListPresetsCommand(stdout)
		case "queue-task":
			return runQueueTaskCommand(ctx, sources, rest[1:], stdout, stderr)
		case "doctor":
			return runDoctorCommand(ctx, sources, rest[1:], stdout, stderr)
		default:
			fmt.Fprintf(stderr, "hookrouter: unknown command %q\n", rest[0])
			printUsage(stderr)
			return 2
		}
	}

	if f, ok := stdin.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		printUsage(stderr)
		return 2
	}
	return runHook(ctx, sources, stdin, stdout, stderr)
}

func runHook(ctx context.Context, sources []string, stdin io.Reader, stdout, stderr io.Writer) int {
	r := router.New(router.Options{ConfigSources: sources})
	if err := r.Handle(ctx, stdin, stdout); err != nil {
		fmt.Fprintf(stderr, "hookrouter: %v\n", err)
		return 1
	}
	return 0
}
