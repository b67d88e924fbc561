package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fsnotify/fsnotify"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/pipestate/internal/config"
	"git.home.luguber.info/inful/pipestate/internal/coordinator"
	"git.home.luguber.info/inful/pipestate/internal/machine"
	"git.home.luguber.info/inful/pipestate/internal/metrics"
	"git.home.luguber.info/inful/pipestate/internal/store"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"pipestate.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Init struct {
		ID    string `arg:"" help:"Project identifier"`
		Name  string `short:"n" help:"Human-readable project name"`
		State string `short:"s" help:"Initial pipeline state (default: collecting)"`
	} `cmd:"" help:"Create a project in its initial pipeline state"`

	Delete struct {
		ID string `arg:"" help:"Project identifier"`
	} `cmd:"" help:"Delete a project and all of its state"`

	List struct{} `cmd:"" help:"List all projects"`

	State struct {
		ID string `arg:"" help:"Project identifier"`
	} `cmd:"" help:"Show a project's current pipeline state and valid transitions"`

	Transition struct {
		ID     string `arg:"" help:"Project identifier"`
		Target string `arg:"" help:"Target pipeline state"`
	} `cmd:"" help:"Move a project to an adjacent pipeline state"`

	Read struct {
		ID      string `arg:"" help:"Project identifier"`
		Section string `arg:"" help:"Section name"`
	} `cmd:"" help:"Print a section's current document"`

	Write struct {
		ID      string `arg:"" help:"Project identifier"`
		Section string `arg:"" help:"Section name"`
		Value   string `arg:"" help:"JSON object to store"`
	} `cmd:"" help:"Replace a section's value"`

	Update struct {
		ID      string `arg:"" help:"Project identifier"`
		Section string `arg:"" help:"Section name"`
		Patch   string `arg:"" help:"JSON object to merge"`
		Replace bool   `help:"Replace the value instead of merging"`
	} `cmd:"" help:"Patch a section's value (shallow merge)"`

	History struct {
		ID      string `arg:"" help:"Project identifier"`
		Section string `arg:"" help:"Section name"`
	} `cmd:"" help:"Print a section's retained history"`

	Status struct {
		ID    string `arg:"" help:"Project identifier"`
		Limit int    `short:"l" help:"Recent activity entries to show" default:"10"`
	} `cmd:"" help:"Show a project summary with recent activity"`

	Locks struct{} `cmd:"" help:"List lock records under the base path"`

	Sweep struct{} `cmd:"" help:"Remove stale lock records"`

	Watch struct {
		ID       string `arg:"" help:"Project identifier"`
		Section  string `arg:"" help:"Section name"`
		Interval time.Duration `help:"Poll interval" default:"500ms"`
	} `cmd:"" help:"Poll a section and print each new version"`

	Serve struct{} `cmd:"" help:"Run the metrics endpoint and stale-lock janitor"`
}

func main() {
	kctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(kctx.Command(), cfg); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func run(command string, cfg *config.Config) error {
	var opts []coordinator.Option
	var registry *prom.Registry
	if cfg.Metrics.Enabled {
		registry = prom.NewRegistry()
		opts = append(opts, coordinator.WithMetrics(metrics.NewPrometheusRecorder(registry)))
	}
	coord, err := coordinator.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := coord.Close(); err != nil {
			slog.Warn("Shutdown incomplete", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "init <id>":
		return runInit(ctx, coord)
	case "delete <id>":
		return coord.DeleteProject(ctx, CLI.Delete.ID)
	case "list":
		return runList(ctx, coord)
	case "state <id>":
		return runState(ctx, coord)
	case "transition <id> <target>":
		return runTransition(ctx, coord)
	case "read <id> <section>":
		return runRead(ctx, coord)
	case "write <id> <section> <value>":
		return runWrite(ctx, coord)
	case "update <id> <section> <patch>":
		return runUpdate(ctx, coord)
	case "history <id> <section>":
		return runHistory(ctx, coord)
	case "status <id>":
		return runStatus(ctx, coord)
	case "locks":
		return runLocks(ctx, coord)
	case "sweep":
		return runSweep(ctx, coord)
	case "watch <id> <section>":
		return runWatch(ctx, coord)
	case "serve":
		return runServe(ctx, cfg, coord, registry)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runInit(ctx context.Context, coord *coordinator.Coordinator) error {
	name := CLI.Init.Name
	if name == "" {
		name = CLI.Init.ID
	}
	summary, err := coord.InitializeProject(ctx, CLI.Init.ID, name, machine.State(CLI.Init.State))
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func runList(ctx context.Context, coord *coordinator.Coordinator) error {
	ids, err := coord.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runState(ctx context.Context, coord *coordinator.Coordinator) error {
	state, err := coord.CurrentState(ctx, CLI.State.ID)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"state":             state,
		"progress_percent":  machine.ProgressPercent(state),
		"terminal":          machine.IsTerminal(state),
		"valid_transitions": coord.ValidTransitions(state),
	})
}

func runTransition(ctx context.Context, coord *coordinator.Coordinator) error {
	res, err := coord.Transition(ctx, CLI.Transition.ID, machine.State(CLI.Transition.Target))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runRead(ctx context.Context, coord *coordinator.Coordinator) error {
	doc, err := coord.ReadSection(ctx, CLI.Read.ID, CLI.Read.Section, store.ReadOptions{})
	if err != nil {
		return err
	}
	return printJSON(doc)
}

func runWrite(ctx context.Context, coord *coordinator.Coordinator) error {
	value, err := parseObject(CLI.Write.Value)
	if err != nil {
		return err
	}
	doc, err := coord.WriteSection(ctx, CLI.Write.ID, CLI.Write.Section, value)
	if err != nil {
		return err
	}
	fmt.Printf("version %d\n", doc.Version)
	return nil
}

func runUpdate(ctx context.Context, coord *coordinator.Coordinator) error {
	patch, err := parseObject(CLI.Update.Patch)
	if err != nil {
		return err
	}
	doc, err := coord.UpdateSection(ctx, CLI.Update.ID, CLI.Update.Section, patch,
		store.UpdateOptions{Merge: !CLI.Update.Replace})
	if err != nil {
		return err
	}
	fmt.Printf("version %d\n", doc.Version)
	return nil
}

func runHistory(ctx context.Context, coord *coordinator.Coordinator) error {
	history, err := coord.GetHistory(ctx, CLI.History.ID, CLI.History.Section)
	if err != nil {
		return err
	}
	return printJSON(history)
}

func runStatus(ctx context.Context, coord *coordinator.Coordinator) error {
	summary, err := coord.Summary(ctx, CLI.Status.ID)
	if err != nil {
		return err
	}
	activity, err := coord.RecentActivity(ctx, CLI.Status.ID, CLI.Status.Limit)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"summary":  summary,
		"activity": activity,
	})
}

func runLocks(ctx context.Context, coord *coordinator.Coordinator) error {
	locks, err := coord.Sweeper().ListLocks(ctx)
	if err != nil {
		return err
	}
	if len(locks) == 0 {
		fmt.Println("no locks held")
		return nil
	}
	return printJSON(locks)
}

func runSweep(ctx context.Context, coord *coordinator.Coordinator) error {
	removed, err := coord.SweepLocks(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d stale lock(s)\n", removed)
	return nil
}

// runWatch re-reads the section from disk so it also observes writers in
// other processes, which the in-process bus cannot see. An fsnotify watch on
// the project directory wakes it early; the interval poll is the fallback
// when no watcher can be established (commits land via rename, which some
// platforms report unreliably).
func runWatch(ctx context.Context, coord *coordinator.Coordinator) error {
	sectionPath := coord.Store().SectionPath(CLI.Watch.ID, CLI.Watch.Section)
	var events chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(sectionPath)); err == nil {
			events = make(chan fsnotify.Event, 1)
			go func() {
				for ev := range watcher.Events {
					if ev.Name != sectionPath {
						continue
					}
					select {
					case events <- ev:
					default:
					}
				}
			}()
		}
	}

	last := int64(-1)
	for {
		doc, err := coord.ReadSection(ctx, CLI.Watch.ID, CLI.Watch.Section, store.ReadOptions{AllowMissing: true})
		if err != nil {
			return err
		}
		if doc.Version != last {
			last = doc.Version
			if err := printJSON(doc); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-events:
		case <-time.After(CLI.Watch.Interval):
		}
	}
}

func runServe(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator, registry *prom.Registry) error {
	if cfg.Janitor.Enabled {
		if err := coord.Sweeper().Start(ctx, cfg.JanitorInterval()); err != nil {
			return err
		}
		slog.Info("Stale-lock janitor started", "interval", cfg.JanitorInterval())
	}

	errChan := make(chan error, 1)
	var srv *http.Server
	if cfg.Metrics.Enabled {
		if registry == nil {
			registry = prom.NewRegistry()
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			slog.Info("Metrics endpoint listening", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()
	}

	slog.Info("Serving, waiting for shutdown signal...")
	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		slog.Info("Shutdown signal received, stopping...")
	}

	if srv != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := srv.Shutdown(stopCtx); err != nil {
			return fmt.Errorf("failed to stop metrics server: %w", err)
		}
	}
	return nil
}

func parseObject(raw string) (map[string]any, error) {
	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("value must be a JSON object: %w", err)
	}
	return value, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
