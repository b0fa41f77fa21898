// Package doctor runs environment checks for `hookrouter doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/hookrouter/internal/builtin"
	"github.com/basket/hookrouter/internal/config"
	"github.com/basket/hookrouter/internal/hook"
	hotel "github.com/basket/hookrouter/internal/otel"
	"github.com/basket/hookrouter/internal/persistence"
	"github.com/basket/hookrouter/internal/sandbox/wasm"
	"github.com/basket/hookrouter/internal/tasks"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Options select the config the checks run against.
type Options struct {
	Sources []string
	BaseDir string
}

type env struct {
	cfg    *config.Config
	cfgErr error
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, opts Options, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	e := env{}
	e.cfg, e.cfgErr = config.NewResolver(opts.BaseDir, nil).Load(ctx, opts.Sources...)

	checks := []func(context.Context, env) CheckResult{
		checkConfig,
		checkPolicy,
		checkTasks,
		checkStateDir,
		checkDatabase,
		checkPlugins,
		checkTelemetry,
		checkExternalTools,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, e))
	}
	return d
}

func checkConfig(_ context.Context, e env) CheckResult {
	switch {
	case config.IsNotExist(e.cfgErr):
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Config source missing", Detail: e.cfgErr.Error()}
	case errors.Is(e.cfgErr, config.ErrNoConfig):
		return CheckResult{Name: "Config", Status: StatusFail, Message: "No hooks config found",
			Detail: "Add hooks.yml to the project, set HOOKROUTER_CONFIG or pass -config"}
	case e.cfgErr != nil:
		return CheckResult{Name: "Config", Status: StatusFail, Message: fmt.Sprintf("Config invalid: %v", e.cfgErr)}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded %d source(s)", len(e.cfg.Resolved)),
		Detail:  strings.Join(e.cfg.Resolved, ", "),
	}
}

func checkPolicy(_ context.Context, e env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	if err := e.cfg.Policy.Validate(); err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: err.Error()}
	}
	rules := e.cfg.Policy.Rules()
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.String())
	}
	msg := "No block_on rules (advisory only)"
	if len(rules) > 0 {
		msg = fmt.Sprintf("%d block_on rule(s): %s", len(rules), strings.Join(names, ", "))
	}
	return CheckResult{Name: "Policy", Status: StatusPass, Message: msg, Detail: e.cfg.Policy.PolicyVersion()}
}

// checkTasks resolves every configured ref the way an invocation would.
func checkTasks(ctx context.Context, e env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Tasks", Status: StatusSkip, Message: "Config missing"}
	}
	reg := tasks.NewRegistry()
	builtin.Register(reg)
	if host, err := newPluginHost(ctx, e.cfg); err == nil && host != nil {
		defer host.Close(ctx)
		reg.AddPluginResolver(host)
	}

	total := 0
	var missing []string
	for _, ev := range hook.Events {
		for _, entry := range e.cfg.Tasks(ev) {
			if strings.TrimSpace(entry.Ref) == "" {
				continue
			}
			total++
			if _, _, err := reg.Resolve(ctx, entry.Ref); err != nil {
				missing = append(missing, fmt.Sprintf("%s: %s", ev, entry.Ref))
			}
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Tasks",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d task ref(s) unresolved", len(missing), total),
			Detail:  strings.Join(missing, "; "),
		}
	}
	return CheckResult{
		Name:    "Tasks",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d task ref(s) resolved", total),
		Detail:  "built-ins: " + strings.Join(reg.Refs(), ", "),
	}
}

func checkStateDir(_ context.Context, e env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "State Dir", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(e.cfg.StateDir, 0o755); err != nil {
		return CheckResult{Name: "State Dir", Status: StatusFail, Message: fmt.Sprintf("Cannot create: %v", err)}
	}
	testFile := filepath.Join(e.cfg.StateDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "State Dir", Status: StatusFail, Message: fmt.Sprintf("State dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "State Dir", Status: StatusPass, Message: "State directory writable", Detail: e.cfg.StateDir}
}

// checkDatabase opens a scratch session store, which applies the schema,
// and runs one query against each table.
func checkDatabase(ctx context.Context, e env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(e.cfg.StateDir, 0o755); err != nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "State dir unavailable"}
	}
	dir, err := os.MkdirTemp(e.cfg.StateDir, "doctor-")
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Scratch dir: %v", err)}
	}
	defer os.RemoveAll(dir)

	store, err := persistence.OpenSession(dir)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.CountBackgroundTasks(ctx, "doctor", persistence.BackgroundRunning); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if _, err := store.FeedbackSummary(ctx, "doctor", 1); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "SQLite store and schema valid"}
}

func newPluginHost(ctx context.Context, cfg *config.Config) (*wasm.Host, error) {
	if cfg.Plugins.Dir == "" && len(cfg.Plugins.Entries) == 0 {
		return nil, nil
	}
	return wasm.NewHost(ctx, wasm.Config{
		Dir:              cfg.Plugins.Dir,
		Entries:          cfg.Plugins.Entries,
		MemoryLimitPages: cfg.Plugins.MemoryLimitPages,
	})
}

// checkPlugins compiles every configured or discovered plugin.
func checkPlugins(ctx context.Context, e env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Plugins", Status: StatusSkip, Message: "Config missing"}
	}
	host, err := newPluginHost(ctx, e.cfg)
	if err != nil {
		return CheckResult{Name: "Plugins", Status: StatusFail, Message: fmt.Sprintf("Runtime init failed: %v", err)}
	}
	if host == nil {
		return CheckResult{Name: "Plugins", Status: StatusSkip, Message: "No plugins configured"}
	}
	defer host.Close(ctx)

	names := map[string]struct{}{}
	for name := range e.cfg.Plugins.Entries {
		names[name] = struct{}{}
	}
	if e.cfg.Plugins.Dir != "" {
		matches, _ := filepath.Glob(filepath.Join(e.cfg.Plugins.Dir, "*.wasm"))
		for _, m := range matches {
			names[strings.TrimSuffix(filepath.Base(m), ".wasm")] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	var failed []string
	for _, name := range sorted {
		if err := host.Compile(ctx, name); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(failed) > 0 {
		return CheckResult{
			Name:    "Plugins",
			Status:  StatusFail,
			Message: fmt.Sprintf("%d of %d plugin(s) failed to compile", len(failed), len(sorted)),
			Detail:  strings.Join(failed, "; "),
		}
	}
	return CheckResult{Name: "Plugins", Status: StatusPass, Message: fmt.Sprintf("%d plugin(s) compiled", len(sorted))}
}

func checkTelemetry(ctx context.Context, e env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Config missing"}
	}
	t := e.cfg.Telemetry
	if !t.Enabled {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Telemetry disabled"}
	}
	provider, err := hotel.Init(ctx, hotel.Config{
		Enabled:        true,
		Exporter:       t.Exporter,
		Endpoint:       t.Endpoint,
		ServiceName:    t.ServiceName,
		SampleRate:     t.SampleRate,
		FilePath:       filepath.Join(e.cfg.StateDir, "traces.jsonl"),
		MetricsEnabled: t.MetricsEnabled,
	})
	if err != nil {
		return CheckResult{Name: "Telemetry", Status: StatusFail, Message: err.Error()}
	}
	_ = provider.Shutdown(ctx)
	return CheckResult{Name: "Telemetry", Status: StatusPass, Message: fmt.Sprintf("Exporter %q ready", t.Exporter)}
}

func checkExternalTools(_ context.Context, _ env) CheckResult {
	var details []string
	status := StatusPass

	// Background tasks commonly shell out; the built-ins read git state
	// directly.
	for _, tool := range []string{"git", "sh"} {
		if runtime.GOOS == "windows" && tool == "sh" {
			continue
		}
		if _, err := exec.LookPath(tool); err != nil {
			details = append(details, tool+": missing")
			status = StatusWarn
		} else {
			details = append(details, tool+": ok")
		}
	}
	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(details)),
		Detail:  strings.Join(details, ", "),
	}
}

// checkNetwork resolves the OTLP collector host when traces are exported
// over HTTP.
func checkNetwork(ctx context.Context, e env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	t := e.cfg.Telemetry
	if !t.Enabled || t.Exporter != "otlp-http" || t.Endpoint == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "No remote exporter configured"}
	}
	host := collectorHost(t.Endpoint)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("endpoint=%s, latency=%dms", t.Endpoint, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("endpoint=%s, addresses=%v", t.Endpoint, addrs),
	}
}

// collectorHost accepts "host:port" or a URL.
func collectorHost(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		if u, err := url.Parse(endpoint); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		return h
	}
	return endpoint
}
