package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hack-pad/hackpadfs"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/refnote/internal/api"
	"github.com/kalambet/refnote/internal/config"
	"github.com/kalambet/refnote/internal/ingest"
	"github.com/kalambet/refnote/internal/pipeline"
	"github.com/kalambet/refnote/internal/proxy"
	"github.com/kalambet/refnote/internal/records"
	"github.com/kalambet/refnote/internal/session"
	"github.com/kalambet/refnote/internal/storage"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the refnote server (foreground)",
	Long: `Run the refnote server in the foreground.

The local HTTP API listens on 127.0.0.1. With --mcp the MCP tools are also
served over stdin/stdout, so refnote can be registered as an MCP server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running refnote server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show refnote status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

// app is the wired object graph behind `refnote serve`.
type app struct {
	store   *storage.Store
	records *records.Store
	session *session.Session
	handler http.Handler
	mcp     *server.MCPServer
	creds   *config.Credentials
}

// newApp opens storage under cfg.Storage.DataDir and wires every service.
// fsys overrides the host filesystem for record files when non-nil.
func newApp(cfg config.Config, fsys hackpadfs.FS, logger *slog.Logger) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	recOpts := records.Options{MaxRecords: cfg.History.MaxRecords, Logger: logger}
	var recs *records.Store
	if fsys != nil {
		recs, err = records.New(store, fsys, "", recOpts)
	} else {
		recs, err = records.OpenDir(store, cfg.Storage.DataDir, recOpts)
	}
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	token, err := config.EnsureAPIToken(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing API token: %w", err)
	}

	creds := config.NewCredentials(cfg, store)
	client := proxy.NewClientWithBaseURL(cfg.Proxy.BaseURL, cfg.Proxy.Model, nil)
	var sess *session.Session
	dispatcher := pipeline.New(client, recs, creds.APIKey, pipeline.Options{
		Logger:  logger,
		OnPhase: func(p pipeline.Phase) { sess.ObservePhase(p) },
	})
	importer := ingest.New(recs, ingest.Options{
		HTTPClient: &http.Client{Timeout: cfg.Ingest.Timeout()},
		Logger:     logger,
	})
	sess = session.New(recs, dispatcher, importer, session.Options{Logger: logger})

	return &app{
		store:   store,
		records: recs,
		session: sess,
		handler: api.NewAppHandler(api.AppDeps{Session: sess, Token: token, Logger: logger}),
		mcp:     api.NewMCPServer(api.MCPDeps{Session: sess}),
		creds:   creds,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func setupLogging(cfg config.Config) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "refnote.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func runServer(parent context.Context, withMCP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)
	logger.Info("starting refnote", "version", version, "config", config.Location())

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	a, err := newApp(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	if _, src := a.creds.Lookup(); src == config.SourceNone {
		logger.Warn("no API key configured, queries will fail until one is set", "hint", "refnote config set-key <key>")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.session.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("refnote listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// SIGHUP reloads the record lists after Notes/ or WebImports/ were
	// edited on disk.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := a.session.Refresh(gctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("reloading records", "error", err)
					continue
				}
				logger.Info("records reloaded")
			}
		}
	})

	if withMCP {
		g.Go(func() error {
			<-a.session.Ready()
			logger.Info("MCP server started (stdio transport)")
			err := server.NewStdioServer(a.mcp).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("refnote is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop refnote (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to refnote (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	printStatus("Endpoint", "%s", cfg.Proxy.BaseURL)
	printStatus("Model", "%s", cfg.Proxy.Model)
	printStatus("History cap", "%d", cfg.History.MaxRecords)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config", "%s", config.Location())
	return nil
}
