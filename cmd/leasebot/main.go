// Command leasebot runs the lease-inquiry worker: platform ingest, AI reply
// decisions, policy gating, dispatch, and the admin endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"leasebot/pkg/booking"
	"leasebot/pkg/classify"
	"leasebot/pkg/config"
	"leasebot/pkg/connector"
	"leasebot/pkg/logx"
	"leasebot/pkg/metrics"
	"leasebot/pkg/pipeline"
	"leasebot/pkg/snapshot"
	"leasebot/pkg/store"
	"leasebot/pkg/worker"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		platformsPath = flag.String("platforms", "platforms.yaml", "Path to the platform catalog")
		dataDir       = flag.String("datadir", ".", "Directory holding the encrypted secrets file")
		adminAddr     = flag.String("admin-addr", ":8090", "Admin HTTP listen address (healthz, metrics, snapshot)")
		setSecret     = flag.String("set-secret", "", "Store one secret by name into the encrypted secrets file and exit")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("leasebot %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	if *setSecret != "" {
		os.Exit(runSetSecret(*dataDir, *setSecret))
	}

	os.Exit(run(*platformsPath, *dataDir, *adminAddr))
}

// run contains the main application logic and returns an exit code so defers
// execute before os.Exit.
func run(platformsPath, dataDir, adminAddr string) int {
	logger := logx.NewLogger("main")

	if err := loadSecrets(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load secrets: %v\n", err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	catalog, err := config.LoadPlatformCatalog(platformsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load platform catalog: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("Error closing database: %v", closeErr)
		}
	}()

	runner, err := connector.NewRunner(cfg.RPARuntime, connector.DefaultDriverCommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create RPA runner: %v\n", err)
		return 1
	}
	registry := connector.NewRegistry(runner, catalog, func(action string, details map[string]any) {
		st.Audit(store.ActorSystem, "platform", "connector", action, details)
	})

	var classifier classify.Classifier = classify.Heuristic{}
	if cfg.AIProvider == config.ProviderGemini {
		classifier = classify.NewGeminiClassifier(cfg.GeminiAPIKey, cfg.GeminiModel)
	}
	pl := pipeline.New(st, classifier, cfg.AIProvider == config.ProviderGemini, "", cfg.SlotOptionLimit)

	recorder := metrics.NewRecorder()
	registry.SetRecorder(recorder)
	bk := booking.NewService(st)
	w := worker.New(cfg, st, registry, pl, bk, recorder)

	var query *metrics.QueryService
	if cfg.PrometheusURL != "" {
		query, err = metrics.NewQueryService(cfg.PrometheusURL)
		if err != nil {
			logger.Warn("Prometheus query service unavailable: %v", err)
		}
	}
	snapshots := snapshot.NewService(st, w, query)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	adminServer := startAdminServer(adminAddr, snapshots)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := adminServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("Admin server shutdown: %v", shutdownErr)
		}
	}()

	logger.Info("leasebot %s starting (instance %s, provider %s, runtime %s)",
		version, cfg.InstanceID, cfg.AIProvider, cfg.RPARuntime)
	if err := w.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}
	return 0
}

// loadSecrets decrypts the secrets file when present. The password comes
// from LEASE_BOT_SECRETS_PASSWORD, or an interactive prompt on a terminal.
func loadSecrets(dataDir string) error {
	if !config.SecretsFileExists(dataDir) {
		return nil
	}
	password := os.Getenv("LEASE_BOT_SECRETS_PASSWORD")
	if password == "" {
		var err error
		password, err = promptPassword("Enter the secrets password: ")
		if err != nil {
			return err
		}
	}
	secrets, err := config.DecryptSecretsFile(dataDir, password)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

// runSetSecret stores one named secret into the encrypted file and exits.
// Both the value and the file password are read without echo.
func runSetSecret(dataDir, name string) int {
	value, err := promptPassword(fmt.Sprintf("Enter value for secret %q: ", name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read secret value: %v\n", err)
		return 1
	}
	password, err := promptPassword("Enter the secrets password: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read password: %v\n", err)
		return 1
	}

	if config.SecretsFileExists(dataDir) {
		existing, decErr := config.DecryptSecretsFile(dataDir, password)
		if decErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to decrypt existing secrets: %v\n", decErr)
			return 1
		}
		config.SetDecryptedSecrets(existing)
	}
	config.SetSecret(name, value)
	if err := config.SaveSecretsToFile(dataDir, password); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save secrets: %v\n", err)
		return 1
	}
	fmt.Printf("Secret %q saved.\n", name)
	return 0
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(raw), nil
}

// startAdminServer serves healthz, Prometheus metrics, and the rolling
// operational snapshot.
func startAdminServer(addr string, snapshots *snapshot.Service) *http.Server {
	logger := logx.NewLogger("admin")
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		window := snapshot.ParseWindowMinutes(r.URL.Query().Get("windowMinutes"))
		snap := snapshots.Build(r.Context(), window)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			logger.Error("snapshot encode failed: %v", err)
		}
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed: %v", err)
		}
	}()
	return server
}
