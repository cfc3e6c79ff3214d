package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/osprey-io/osprey/internal/trigger"
)

var (
	servePort         int
	serveFixtures     string
	serveGlobalRPM    int
	servePerSourceRPM int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the event webhook server and the extraction scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().StringVar(&serveFixtures, "fixtures", "", "subject/counterparty fixture YAML (default: built-in demo data)")
	serveCmd.Flags().IntVar(&serveGlobalRPM, "global-rpm", 600, "global event ingestion limit per minute")
	serveCmd.Flags().IntVar(&servePerSourceRPM, "source-rpm", 120, "per-source event ingestion limit per minute")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, cleanup, err := buildApp(ctx, serveFixtures)
	if err != nil {
		return err
	}
	defer cleanup()

	scheduler := trigger.NewScheduler(application.extractor)
	if err := scheduler.Register(application.cfg.ExtractionCron); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	limiter := trigger.NewRateLimiter(serveGlobalRPM, servePerSourceRPM)
	srv := trigger.NewServer(application.engine, application.memory, application.ledger, limiter, resolvedVersion())

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("extraction_cron", application.cfg.ExtractionCron).
		Int("cron_entries", scheduler.Entries()).
		Str("policy_version", application.policy.Policy().VersionTag).
		Msg("osprey_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
