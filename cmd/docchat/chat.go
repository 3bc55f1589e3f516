package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/docchat/internal/cleanup"
	"github.com/kalambet/docchat/internal/config"
	"github.com/kalambet/docchat/internal/tui"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive notebook",
	Long: `Open a full-screen notebook that indexes documents in-process.

Inside the notebook:
  /upload <path>   index a PDF, text, markdown or HTML file
  /docs            list indexed documents
  /clear           drop all documents and history
  /quit            leave (Esc and Ctrl+C also work)

Any other line is asked as a question.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

func runChat() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	dataDir := cleanup.ProcessDir(cfg.Storage.DataDir, "chat-", os.Getpid())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// The notebook owns the terminal, so logs go to a file.
	logFile, err := os.OpenFile(filepath.Join(cfg.Storage.DataDir, "chat.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening chat log: %w", err)
	}
	defer logFile.Close()
	setupLogging(cfg.Log.Level, logFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("Checking embedding backend...")
	a, err := newApp(ctx, cfg, dataDir, os.Stderr)
	if err != nil {
		os.RemoveAll(dataDir)
		return err
	}
	defer func() {
		a.close()
		os.RemoveAll(dataDir)
	}()

	session := sessionFlag
	if session == "" {
		session = uuid.NewString()
	}
	return tui.Run(ctx, a.svc, session)
}
