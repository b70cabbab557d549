package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kovel/docchat/internal/api"
	"github.com/kovel/docchat/internal/cache"
	"github.com/kovel/docchat/internal/chunker"
	"github.com/kovel/docchat/internal/composer"
	"github.com/kovel/docchat/internal/config"
	"github.com/kovel/docchat/internal/embedding"
	"github.com/kovel/docchat/internal/extract"
	"github.com/kovel/docchat/internal/ingest"
	"github.com/kovel/docchat/internal/pipeline"
	"github.com/kovel/docchat/internal/provider"
	"github.com/kovel/docchat/internal/retrieval"
	"github.com/kovel/docchat/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the docchat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
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
		return showStatus()
	},
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "docchat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start a second instance.
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

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	spoolDir := cfg.SpoolDir()
	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}

	// Wire the ingestion and retrieval pipeline.
	providerClient := provider.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.EmbedModel, cfg.Provider.ChatModel)
	docCache := cache.New(store.DB(),
		time.Duration(cfg.Cache.EmbeddingTTLHours)*time.Hour,
		time.Duration(cfg.Cache.DocumentTTLHours)*time.Hour)
	orchestrator := embedding.New(providerClient, docCache, cfg.Embedding.BatchSize, cfg.Embedding.ParallelBatches)
	vectorStore := retrieval.NewStore(store.DB())
	retriever := retrieval.NewRetriever(orchestrator, vectorStore, cfg.Retrieval.TopK, float32(cfg.Retrieval.MinSimilarity))
	extractor := extract.NewExtractor(0)
	splitter := chunker.NewSplitter(
		cfg.Chunking.OptimalTokens,
		cfg.Chunking.MinTokens,
		cfg.Chunking.MaxTokens,
		cfg.Chunking.OverlapTokens,
	)
	processor := pipeline.NewProcessor(extractor, splitter, orchestrator, vectorStore, store, docCache, slog.Default())
	comp := composer.New(cfg.Chat.MaxContextTokens, cfg.Chat.MaxHistory)

	handler := api.NewHandler(api.AppDeps{
		Store:     store,
		Vectors:   vectorStore,
		Retriever: retriever,
		Composer:  comp,
		Chat:      providerClient,
		Processor: processor,
		SpoolDir:  spoolDir,
		Token:     cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Background ingest worker drains the job queue.
	worker := ingest.NewWorker(store, processor, spoolDir, 500*time.Millisecond)
	go worker.Run(ctx)

	// Expired cache entries are swept periodically.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := docCache.EvictExpired(ctx); err != nil {
					slog.Warn("cache eviction failed", "error", err)
				} else if n > 0 {
					slog.Info("evicted expired cache entries", "count", n)
				}
			}
		}
	}()

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Retriever: retriever,
		Composer:  comp,
		Chat:      providerClient,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docchat listening on %s\n", addr)
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

func stopServer() error {
	cfg, err := config.Load()
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

func showStatus() error {
	cfg, err := config.Load()
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
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s", cfg.Provider.BaseURL)
	printStatus("Embed model", "%s", cfg.Provider.EmbedModel)
	printStatus("Chat model", "%s", cfg.Provider.ChatModel)

	if running {
		req, err := http.NewRequest("GET", serverURL+"/status", nil)
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+cfg.Server.Token)
			if statusResp, err := client.Do(req); err == nil {
				var status struct {
					Documents map[string]int `json:"documents"`
					Jobs      map[string]int `json:"jobs"`
				}
				if json.NewDecoder(statusResp.Body).Decode(&status) == nil {
					total := 0
					for _, n := range status.Documents {
						total += n
					}
					printStatus("Documents", "%d (%d ready, %d failed)",
						total, status.Documents["ready"], status.Documents["failed"])
					if pending := status.Jobs["pending"] + status.Jobs["processing"]; pending > 0 {
						printStatus("Ingest jobs", "%d in flight", pending)
					}
				}
				statusResp.Body.Close()
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
