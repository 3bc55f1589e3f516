package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/docchat/internal/answer"
	"github.com/kalambet/docchat/internal/api"
	"github.com/kalambet/docchat/internal/cleanup"
	"github.com/kalambet/docchat/internal/config"
	"github.com/kalambet/docchat/internal/engine"
	"github.com/kalambet/docchat/internal/gemini"
	"github.com/kalambet/docchat/internal/rag"
	"github.com/kalambet/docchat/internal/registry"
	"github.com/kalambet/docchat/internal/retrieval"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docchat server (foreground)",
	Long: `Start the HTTP server with the web form and JSON API.

With --mcp, docchat instead speaks the Model Context Protocol over
stdin/stdout and exposes upload_text, ask, list_documents and
clear_documents as tools.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpMode, _ := cmd.Flags().GetBool("mcp")
		if mcpMode {
			return runMCP()
		}
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docchat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docchat system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "serve MCP over stdio instead of HTTP")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docchat.pid")
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

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string, w io.Writer) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})))
}

// app bundles the long-lived pieces shared by serve, serve --mcp and chat.
type app struct {
	reg *registry.Registry
	svc *rag.Service
}

// newApp checks the embedding backend, removes index directories left by a
// previous run under dataDir and wires the service.
func newApp(ctx context.Context, cfg config.Config, dataDir string, progress io.Writer) (*app, error) {
	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("detecting embedding backend: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.EmbedModel, progress); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	if _, err := cleanup.ReclaimProcessDirs(cfg.Storage.DataDir, processAlive); err != nil {
		slog.Warn("reclaiming stale process dirs failed", "error", err)
	}
	reg := registry.New(dataDir)
	if _, err := reg.Sweep(); err != nil {
		slog.Warn("startup index cleanup failed", "error", err)
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel, config.Duration(cfg.Embedding.Timeout, retrieval.DefaultEmbedTimeout))
	genTimeout := config.Duration(cfg.Generation.Timeout, answer.DefaultTimeout)
	gen := gemini.NewClient(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, cfg.Gemini.Model, genTimeout)

	svc := rag.New(reg, embedder, answer.New(gen, genTimeout), rag.Options{
		ChunkSize:    cfg.Chunking.Size,
		ChunkOverlap: cfg.Chunking.Overlap,
		PerDocK:      cfg.Retrieval.PerDocK,
		MaxSnippets:  cfg.Retrieval.MaxSnippets,
		Ranking:      cfg.Retrieval.Ranking,
	})
	slog.Debug("service ready",
		"embed_model", embedder.Model(),
		"gemini_model", gen.Model(),
		"ranking", cfg.Retrieval.Ranking,
	)
	return &app{reg: reg, svc: svc}, nil
}

func (a *app) close() {
	sessions, indexes := a.reg.Stats()
	slog.Info("closing registry", "sessions", sessions, "indexes", indexes)
	if err := a.reg.Close(); err != nil {
		slog.Warn("closing registry", "error", err)
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "docchat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level, os.Stderr)

	// Refuse to start twice against the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docchat is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docchat is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cfg.Storage.DataDir, os.Stderr)
	if err != nil {
		return err
	}
	defer a.close()

	worker := cleanup.NewWorker(a.reg, config.Duration(cfg.Cleanup.Interval, 10*time.Minute))
	go worker.Run(ctx)

	if cfg.Server.APIToken != "" {
		slog.Info("API bearer token required for document routes")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Service:        a.svc,
			Token:          cfg.Server.APIToken,
			MaxUploadBytes: int64(cfg.Server.MaxUploadBytes),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docchat listening on http://%s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCP serves one MCP client over stdio. Stdout carries the protocol, so
// progress and logs go to stderr.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// MCP processes keep their indexes apart from the HTTP server's.
	a, err := newApp(ctx, cfg, cleanup.ProcessDir(cfg.Storage.DataDir, "mcp-", os.Getpid()), os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		a.close()
		os.RemoveAll(a.reg.DataDir())
	}()

	session := sessionFlag
	if session == "" {
		session = uuid.NewString()
	}
	mcpSrv := api.NewMCPServer(api.MCPDeps{Service: a.svc, Session: session})
	slog.Info("MCP server started (stdio transport)", "session", session)

	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.LoadClient()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("docchat is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docchat (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docchat (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadClient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on %s", serverURL)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		printStatus("Ollama", "%v", err)
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		st := engine.Probe(probeCtx, eng, cfg.Ollama.EmbedModel)
		cancel()
		printStatus("Ollama", "%s", ollamaLabel(st, cfg.Ollama.BaseURL))
	}
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Gemini model", "%s", cfg.Gemini.Model)
	if cfg.Gemini.APIKey == "" {
		printStatus("Gemini key", "%s", colorize(colorRed, "missing"))
	} else {
		printStatus("Gemini key", "configured")
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			if resp, err := c.get(ctx, "/documents"); err == nil {
				var docs []registry.Document
				if decodeJSON(resp, &docs) == nil {
					printStatus("Documents", "%d in session %s", len(docs), shortID(c.session))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// processAlive reports whether pid names a running process. EPERM means it
// exists but belongs to another user.
func processAlive(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func ollamaLabel(st engine.Status, baseURL string) string {
	switch {
	case !st.Running:
		return "not running at " + baseURL
	case !st.Ready:
		return fmt.Sprintf("running at %s (model %s not pulled)", baseURL, st.Model)
	default:
		return "running at " + baseURL
	}
}
