package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"stagehand/host/internal/command"
	"stagehand/host/internal/config"
	"stagehand/host/internal/db"
	"stagehand/host/internal/global"
	"stagehand/host/internal/historydb"
	"stagehand/host/internal/host"
	"stagehand/host/internal/lifecycle"
	"stagehand/host/internal/localapi"
	"stagehand/host/internal/logging"
	"stagehand/host/internal/watcher"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig: loadConfig,
		RunServe:   runServe,
		RunStatus:  runStatus,
	})
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "stagehand:", err)
		os.Exit(1)
	}
}

// loadConfig layers env config over the global TOML config: env wins,
// the TOML file fills values the environment left at their defaults.
func loadConfig() config.Config {
	cfg := config.LoadConfig()
	dir, err := global.DefaultConfigDir()
	if err != nil {
		return cfg
	}
	g, err := global.NewConfigStore(dir).LoadOrInit()
	if err != nil {
		return cfg
	}
	if os.Getenv("STAGEHAND_ROOT") == "" && g.WorkspaceRoot != "" {
		cfg.WorkspaceRoot = filepath.Clean(g.WorkspaceRoot)
	}
	if os.Getenv("STAGEHAND_PORT") == "" && g.LocalPort > 0 {
		cfg.LocalPort = g.LocalPort
	}
	if os.Getenv("STAGEHAND_DEBOUNCE_MS") == "" && g.DebounceMS > 0 {
		cfg.Debounce = time.Duration(g.DebounceMS) * time.Millisecond
	}
	if os.Getenv("STAGEHAND_DEFAULT_MODE") == "" && g.DefaultMode != "" {
		cfg.DefaultMode = g.DefaultMode
	}
	return cfg
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Component: "stagehand"})

	if err := os.MkdirAll(filepath.Dir(cfg.HistoryDBPath), 0o755); err != nil {
		return fmt.Errorf("create history db dir: %w", err)
	}
	gdb, err := db.OpenSQLite(cfg.HistoryDBPath)
	if err != nil {
		return fmt.Errorf("open history db: %w", err)
	}
	history, err := historydb.NewStore(gdb)
	if err != nil {
		_ = db.Close(gdb)
		return fmt.Errorf("init history store: %w", err)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = fmt.Sprintf("http://%s:%d", cfg.LocalHost, cfg.LocalPort)
	}

	h := host.New(host.Options{
		Root:        cfg.WorkspaceRoot,
		PublicURL:   publicURL,
		DefaultMode: cfg.DefaultMode,
		Logger:      logger,
		History:     history,
	})
	w, err := watcher.New(watcher.Options{
		Root:     cfg.WorkspaceRoot,
		Debounce: cfg.Debounce,
		Logger:   logger,
	})
	if err != nil {
		_ = db.Close(gdb)
		return fmt.Errorf("create watcher: %w", err)
	}

	api := localapi.NewServer(localapi.Deps{
		Host:               h,
		WS:                 h.Hub(),
		DefaultWaitTimeout: cfg.WaitTimeout,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.LocalHost, cfg.LocalPort),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	mgr := lifecycle.NewManager(logger)
	mgr.Go("host", func(runCtx context.Context) error {
		if err := w.Start(runCtx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		logger.Info("serving", "addr", srv.Addr, "root", cfg.WorkspaceRoot)
		return h.Run(runCtx, w.Events())
	})
	mgr.Go("http", func(runCtx context.Context) error {
		go func() {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	mgr.OnStop("close-db", func(context.Context) error {
		return db.Close(gdb)
	})

	return mgr.Run(ctx, os.Interrupt, syscall.SIGTERM)
}

// runStatus queries a running server over its local HTTP API and prints
// a one-line summary per notice.
func runStatus(ctx context.Context, cfg config.Config, q command.StatusQuery) error {
	base := fmt.Sprintf("http://%s:%d", cfg.LocalHost, cfg.LocalPort)
	query := url.Values{}
	if q.Wait {
		query.Set("wait", "1")
	}
	if q.Timeout > 0 {
		query.Set("timeout_ms", strconv.FormatInt(q.Timeout.Milliseconds(), 10))
	}
	endpoint := base + "/api/v1/sessions/" + url.PathEscape(q.SessionID) + "/status"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reach server at %s: %w", base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var envelope struct {
		OK   bool `json:"ok"`
		Data struct {
			Exists  bool `json:"exists"`
			Pending bool `json:"pending"`
			Counts  struct {
				Error   int `json:"error"`
				Warning int `json:"warning"`
				Info    int `json:"info"`
			} `json:"counts"`
			Notices []struct {
				Severity string `json:"severity"`
				Category string `json:"category"`
				Message  string `json:"message"`
			} `json:"notices"`
		} `json:"data"`
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode server response: %w", err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
	}

	d := envelope.Data
	switch {
	case d.Pending:
		fmt.Printf("%s: validation pending\n", q.SessionID)
	case !d.Exists:
		fmt.Printf("%s: no validation recorded yet\n", q.SessionID)
	default:
		fmt.Printf("%s: %d error(s), %d warning(s), %d info\n",
			q.SessionID, d.Counts.Error, d.Counts.Warning, d.Counts.Info)
	}
	for _, n := range d.Notices {
		fmt.Printf("  [%s] %s: %s\n", n.Severity, n.Category, n.Message)
	}
	return nil
}
