package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/prism-desktop/prismd/internal/approval"
	"github.com/prism-desktop/prismd/internal/config"
	"github.com/prism-desktop/prismd/internal/logging"
	"github.com/prism-desktop/prismd/internal/metrics"
	"github.com/prism-desktop/prismd/internal/persist"
	"github.com/prism-desktop/prismd/internal/protocol"
	"github.com/prism-desktop/prismd/internal/store"
	"github.com/prism-desktop/prismd/internal/supervisor"
	"github.com/prism-desktop/prismd/internal/usage"
	"github.com/prism-desktop/prismd/internal/workspace"
	"github.com/prism-desktop/prismd/internal/ws"
)

const Version = "0.1.0"

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/prismd/config.yaml"
	}
	return filepath.Join(home, ".prism", "config.yaml")
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand(os.Args[2:])
			return
		case "version":
			runVersionCommand()
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	runDaemon()
}

func printHelp() {
	fmt.Println(`prismd - session orchestration daemon for the Prism desktop surface

Usage:
  prismd [command] [options]

Commands:
  (none)       Run as daemon (default)
  status       Show daemon status
  version      Show version information
  help         Show this help

Daemon Options:
  -config string  Path to config file (default "~/.prism/config.yaml")

Subcommand Options:
  -json         Output in JSON format
  -config       Path to config file`)
}

func runVersionCommand() {
	fmt.Printf("prismd version %s\n", Version)
}

func runStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", defaultConfigPath(), "Path to config file")
	fs.Parse(args)

	cfg := loadConfigOrDefault(*configPath)

	status := map[string]any{
		"version":   Version,
		"listen":    cfg.Daemon.Listen,
		"state_dir": cfg.Daemon.StateDir,
		"cli_bin":   cfg.CLI.Bin,
		"running":   false,
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + cfg.Daemon.Listen + "/healthz")
	if err == nil {
		defer resp.Body.Close()
		var health map[string]any
		if json.NewDecoder(resp.Body).Decode(&health) == nil {
			status["running"] = true
			for k, v := range health {
				status[k] = v
			}
		}
	}

	if *jsonOutput {
		outputJSON(status)
		return
	}

	fmt.Printf("Prism Daemon Status\n")
	fmt.Printf("===================\n")
	fmt.Printf("Version:   %s\n", Version)
	fmt.Printf("Listen:    %s\n", cfg.Daemon.Listen)
	fmt.Printf("State Dir: %s\n", cfg.Daemon.StateDir)
	fmt.Printf("CLI:       %s\n", cfg.CLI.Bin)
	fmt.Printf("Running:   %v\n", status["running"])
	if status["running"] == true {
		fmt.Printf("Clients:   %v\n", status["clients"])
		fmt.Printf("Projects:  %v\n", status["projects"])
		fmt.Printf("Active:    %v\n", status["active_threads"])
	}
}

func outputJSON(data any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func loadConfigOrDefault(path string) *config.Config {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config.Default()
		}
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

type Daemon struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *store.Store
	ledger *usage.Ledger
	sup    *supervisor.Supervisor
	gate   *approval.Gate
	hub    *ws.Hub
	db     *persist.DB

	dirty chan struct{}
}

func runDaemon() {
	configPath := flag.String("config", defaultConfigPath(), "Path to config file")
	flag.Parse()

	cfg := loadConfigOrDefault(*configPath)

	logger, err := logging.New(cfg.Daemon.LogLevel, cfg.Daemon.LogDev)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Sync()

	d := &Daemon{
		cfg:   cfg,
		log:   logger,
		dirty: make(chan struct{}, 1),
	}

	if err := d.Run(*configPath); err != nil {
		logger.Fatal("daemon error", zap.Error(err))
	}
}

func (d *Daemon) Run(configPath string) error {
	cfg := d.cfg

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	d.ledger = usage.NewLedger(usage.Rates{
		InputPerMTok:  cfg.Usage.InputCostPerMTok,
		OutputPerMTok: cfg.Usage.OutputCostPerMTok,
	}, cfg.Usage.RetentionDays)
	d.ledger.SetAlert(cfg.Usage.DailyTokenAlert)

	d.store = store.New(d.log, d.ledger, cfg.Usage.DefaultModel)
	d.store.SetMetrics(met)
	d.store.SetWorkspaces(workspace.NewManager(cfg.Workspaces.Root, d.log))

	db, err := persist.Open(cfg.Daemon.StateDir, d.log)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	d.db = db

	snap, days, models, err := db.Load()
	if err != nil {
		return fmt.Errorf("failed to load persisted state: %w", err)
	}
	d.ledger.Restore(days, models)
	d.store.Restore(snap)

	d.sup = supervisor.New(supervisor.Options{
		Bin:     cfg.CLI.Bin,
		Args:    cfg.CLI.Args,
		UsePTY:  cfg.CLI.UsePTY,
		PTYRows: cfg.CLI.PTYRows,
		PTYCols: cfg.CLI.PTYCols,
	}, d.log)
	d.sup.SetMetrics(met)
	d.store.SetSupervisor(d.sup)

	d.gate = approval.NewGate(d.store, d.sup, d.log)
	d.gate.SetMetrics(met)
	d.gate.SetRiskSets(cfg.Approval.HighRiskTools, cfg.Approval.MediumRiskTools)

	d.hub = ws.NewHub(d.log)
	d.hub.SetSnapshot(d.snapshotPayload)
	d.hub.SetCommandHandler(d.handleCommand)

	d.sup.SetEventHandler(func(threadID string, gen uint64, ev *protocol.Event) {
		if ev.Kind == protocol.KindPermissionRequest {
			if err := d.gate.Request(threadID, gen, ev.ToolID, ev.ToolName); err == nil {
				d.hub.Broadcast("approval.request", map[string]any{
					"thread_id":    threadID,
					"tool_call_id": ev.ToolID,
					"tool_name":    ev.ToolName,
					"risk":         string(d.gate.Classify(ev.ToolName)),
				})
			}
			return
		}
		d.store.Apply(threadID, gen, ev)
	})
	d.sup.SetExitHandler(func(threadID string, gen uint64, err error) {
		d.store.ProcessExited(threadID, gen, err)
	})

	d.store.SetOnChange(func(threadID string) {
		d.broadcastChange(threadID)
		d.markDirty()
	})

	stopWatch, err := config.Watch(configPath, d.log, d.applyReload)
	if err != nil {
		d.log.Warn("config watch disabled", zap.Error(err))
	} else {
		defer stopWatch()
	}

	go d.saveLoop()

	mux := http.NewServeMux()
	mux.Handle("/ws", d.hub)
	mux.HandleFunc("/healthz", d.handleHealth)
	mux.HandleFunc("/usage", d.handleUsage)

	server := &http.Server{Addr: cfg.Daemon.Listen, Handler: mux}
	go func() {
		d.log.Info("listening", zap.String("addr", cfg.Daemon.Listen))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Fatal("server error", zap.Error(err))
		}
	}()

	var metricsServer *http.Server
	if cfg.Daemon.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Daemon.MetricsListen, Handler: metricsMux}
		go func() {
			d.log.Info("metrics listening", zap.String("addr", cfg.Daemon.MetricsListen))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.log.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	d.log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	if metricsServer != nil {
		metricsServer.Shutdown(ctx)
	}

	d.sup.StopAll()
	d.hub.Close()

	if err := d.save(); err != nil {
		d.log.Error("final save failed", zap.Error(err))
	}
	return d.db.Close()
}

// applyReload picks up the config values that are safe to change while
// running. Listen addresses and the CLI invocation need a restart.
func (d *Daemon) applyReload(cfg *config.Config) {
	d.ledger.SetRates(usage.Rates{
		InputPerMTok:  cfg.Usage.InputCostPerMTok,
		OutputPerMTok: cfg.Usage.OutputCostPerMTok,
	})
	d.ledger.SetRetention(cfg.Usage.RetentionDays)
	d.ledger.SetAlert(cfg.Usage.DailyTokenAlert)
	d.gate.SetRiskSets(cfg.Approval.HighRiskTools, cfg.Approval.MediumRiskTools)
	d.log.Info("configuration reloaded")
}

func (d *Daemon) snapshotPayload() any {
	today, _ := d.ledger.Today()
	return map[string]any{
		"state": d.store.Snapshot(),
		"usage": map[string]any{
			"today": today,
			"week":  d.ledger.Week(),
		},
	}
}

func (d *Daemon) broadcastChange(threadID string) {
	if t, err := d.store.Thread(threadID); err == nil {
		d.hub.Broadcast("thread.update", map[string]any{"thread": t})
		return
	}
	// Thread gone or tree-level change: resend the full snapshot.
	d.hub.Broadcast("state.snapshot", d.snapshotPayload())
}

func (d *Daemon) markDirty() {
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}

func (d *Daemon) saveLoop() {
	debounce := time.Duration(d.cfg.Daemon.SaveDebounceMs) * time.Millisecond
	for range d.dirty {
		time.Sleep(debounce)
		// Absorb notifications that arrived during the debounce window.
		select {
		case <-d.dirty:
		default:
		}
		if err := d.save(); err != nil {
			d.log.Error("state save failed", zap.Error(err))
		}
	}
}

func (d *Daemon) save() error {
	return d.db.Save(d.store.Snapshot(), d.ledger.Days(), d.ledger.Models())
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := d.store.Snapshot()
	threads := 0
	active := 0
	for _, p := range snap.Projects {
		threads += len(p.Threads)
		for _, t := range p.Threads {
			if t.Status == store.StatusRunning {
				active++
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"version":        Version,
		"clients":        d.hub.ClientCount(),
		"projects":       len(snap.Projects),
		"threads":        threads,
		"active_threads": active,
	})
}

func (d *Daemon) handleUsage(w http.ResponseWriter, r *http.Request) {
	today, _ := d.ledger.Today()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"today":          today,
		"week":           d.ledger.Week(),
		"days":           d.ledger.Days(),
		"models":         d.ledger.Models(),
		"alert_exceeded": d.ledger.AlertExceeded(),
	})
}

func (d *Daemon) handleCommand(cmdType string, payload json.RawMessage) (any, error) {
	switch cmdType {
	case "project.create":
		var req struct {
			Name    string `json:"name"`
			WorkDir string `json:"work_dir"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		p := d.store.CreateProject(req.Name, req.WorkDir)
		d.markDirty()
		return map[string]any{"project_id": p.ID}, nil

	case "project.delete":
		var req struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := d.store.DeleteProject(req.ProjectID); err != nil {
			return nil, err
		}
		d.markDirty()
		return map[string]any{"ok": true}, nil

	case "project.select":
		var req struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		d.store.SelectProject(req.ProjectID)
		d.markDirty()
		return map[string]any{"ok": true}, nil

	case "thread.create":
		var req struct {
			ProjectID string `json:"project_id"`
			Title     string `json:"title"`
			Isolate   bool   `json:"isolate"`
			Branch    string `json:"branch"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		t, err := d.store.CreateThread(req.ProjectID, req.Title, store.CreateThreadOptions{
			Isolate: req.Isolate,
			Branch:  req.Branch,
		})
		if err != nil {
			return nil, err
		}
		d.markDirty()
		return map[string]any{"thread_id": t.ID}, nil

	case "thread.delete":
		var req struct {
			ThreadID string `json:"thread_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := d.store.DeleteThread(req.ThreadID); err != nil {
			return nil, err
		}
		d.markDirty()
		return map[string]any{"ok": true}, nil

	case "thread.rename":
		var req struct {
			ThreadID string `json:"thread_id"`
			Title    string `json:"title"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := d.store.RenameThread(req.ThreadID, req.Title); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "thread.archive":
		var req struct {
			ThreadID string `json:"thread_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := d.store.ToggleThreadArchive(req.ThreadID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "thread.select":
		var req struct {
			ThreadID string `json:"thread_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		d.store.SelectThread(req.ThreadID)
		d.markDirty()
		return map[string]any{"ok": true}, nil

	case "thread.send":
		var req struct {
			ThreadID string `json:"thread_id"`
			Text     string `json:"text"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := d.store.SendUserMessage(req.ThreadID, req.Text); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "thread.stop":
		var req struct {
			ThreadID string `json:"thread_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := d.store.StopThread(req.ThreadID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "approval.resolve":
		var req struct {
			ThreadID   string `json:"thread_id"`
			ToolCallID string `json:"tool_call_id"`
			Approved   bool   `json:"approved"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		d.gate.Resolve(req.ThreadID, req.ToolCallID, req.Approved)
		return map[string]any{"ok": true}, nil

	case "toolcall.toggle":
		var req struct {
			ThreadID   string `json:"thread_id"`
			MessageID  string `json:"message_id"`
			ToolCallID string `json:"tool_call_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := d.store.ToggleToolCall(req.ThreadID, req.MessageID, req.ToolCallID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "state.get":
		return d.snapshotPayload(), nil

	case "usage.get":
		today, _ := d.ledger.Today()
		return map[string]any{
			"today":          today,
			"week":           d.ledger.Week(),
			"alert_exceeded": d.ledger.AlertExceeded(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown command type: %s", cmdType)
	}
}
