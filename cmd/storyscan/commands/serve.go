package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/storyscan-io/storyscan/batch"
	"github.com/storyscan-io/storyscan/checker"
	"github.com/storyscan-io/storyscan/config"
	"github.com/storyscan-io/storyscan/db"
	"github.com/storyscan-io/storyscan/errors"
	"github.com/storyscan-io/storyscan/logger"
	"github.com/storyscan-io/storyscan/proxypool"
	"github.com/storyscan-io/storyscan/ratelimit"
	"github.com/storyscan-io/storyscan/retry"
	"github.com/storyscan-io/storyscan/server"
	"github.com/storyscan-io/storyscan/version"
)

// ServeCmd starts the storyscan API server and scheduler
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the storyscan API server and batch scheduler",
	Long:    `Launch the HTTP API, load persisted batches and proxies, and resume scheduling. Batches left running by a previous crash come back paused with their progress intact.`,
	RunE:    runServe,
}

var (
	servePort   int
	serveDBPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveDBPath != "" {
		cfg.Database.Path = serveDBPath
	}

	log := logger.Logger

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	pool := proxypool.NewPool(proxypool.NewStore(database), log)
	if err := pool.LoadFromStore(); err != nil {
		return errors.Wrap(err, "failed to load proxy pool")
	}

	queue := batch.NewQueue(batch.NewStore(database), batch.NewLogStore(database), log)
	if err := queue.LoadFromStore(); err != nil {
		return errors.Wrap(err, "failed to load batch queue")
	}

	limiter := ratelimit.New(cfg.Scheduler.ProfilesPerMinute, cfg.Scheduler.ThreadCount)
	policy := retry.NewPolicy(cfg.Scheduler.RetryMaxAttempts, time.Duration(cfg.Scheduler.RetryBaseDelayMs)*time.Millisecond)
	chk := checker.NewHTTPChecker(cfg.Checker.EndpointURL, time.Duration(cfg.Checker.TimeoutSeconds)*time.Second)

	executor := batch.NewExecutor(queue, pool, chk, limiter, policy, log)
	executor.SetProgressInterval(time.Duration(cfg.Scheduler.ProgressIntervalMs) * time.Millisecond)

	tester := proxypool.NewTester(pool,
		cfg.ProxyTest.TargetURL,
		time.Duration(cfg.ProxyTest.TimeoutSeconds)*time.Second,
		cfg.ProxyTest.ProbesPerMinute,
		log)

	srv := server.NewServer(queue, pool, tester, cfg, log)

	printBanner(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		pterm.Info.Printf("Received %s, shutting down\n", sig)
	}

	// Stop the running batch at the next profile boundary, then cancel
	// whatever is still in flight.
	for _, b := range queue.List() {
		if b.Status == batch.StatusRunning {
			queue.Stop(b.ID)
		}
	}
	executor.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutdown failed")
	}
	return nil
}

func printBanner(cfg *config.Config) {
	pterm.DefaultHeader.WithFullWidth().Println("storyscan " + version.Get().Short())
	pterm.Info.Printf("Listening on :%d\n", cfg.Server.Port)
	pterm.Info.Printf("Database: %s\n", cfg.Database.Path)
	pterm.Info.Printf("Rate limit: %d profiles/min, %d threads\n",
		cfg.Scheduler.ProfilesPerMinute, cfg.Scheduler.ThreadCount)
}
