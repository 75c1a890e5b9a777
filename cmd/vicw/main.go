package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/application"
	"github.com/vicw/vicw/internal/infrastructure/config"
	"github.com/vicw/vicw/internal/infrastructure/logger"
)

const (
	appName    = "vicw"
	appVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "VICW — virtual infinite context window memory engine",
		Long: "VICW proxies an OpenAI-compatible LLM behind a bounded working context.\n" +
			"Overflow is offloaded into Redis, Qdrant, and Neo4j and retrieved back on demand.",
		RunE: runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against the local engine",
		RunE:  runChat,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	log.Info("Starting VICW",
		zap.String("version", appVersion),
		zap.String("model", cfg.LLM.Model),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(ctx, cfg, log)
	if err != nil {
		log.Error("Initialization failed", zap.Error(err))
		return err
	}
	if err := app.Start(ctx); err != nil {
		log.Error("Startup failed", zap.Error(err))
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	return app.Stop(shutdownCtx)
}

// runChat runs the engine in-process with a line-based prompt loop.
// Handy for poking at the memory behavior without an HTTP client.
func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      "warn",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Print("initializing...")
	app, err := application.NewApp(ctx, cfg, log)
	if err != nil {
		fmt.Println()
		return fmt.Errorf("init: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	fmt.Println(" ready. Commands: /stats, /reset, /exit")

	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		app.Stop(shutdownCtx)
	}()

	chat := app.Chat()
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/reset":
			chat.Reset()
			fmt.Println("context cleared")
			continue
		case line == "/stats":
			data, _ := json.MarshalIndent(chat.Stats(), "", "  ")
			fmt.Println(string(data))
			continue
		}

		res, err := chat.Chat(ctx, line, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(res.Response)
	}
}
