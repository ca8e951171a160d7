package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/provider"
	"github.com/timmy/genflow/internal/repository"
	"github.com/timmy/genflow/internal/service"
)

func main() {
	// Logs go to stderr so stdout only carries the result
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "genflow-cli",
	})
	logger.SetDefaultLogger(appLogger)

	configPath := flag.String("config", "", "Path to config file")
	kind := flag.String("kind", "content", "Job kind: content, image, video, presentation, detection, humanize")
	prompt := flag.String("prompt", "", "Prompt (or text for detection and humanize)")
	payload := flag.String("payload", "", "Raw JSON payload, overrides -prompt")
	owner := flag.String("owner", "cli", "Owner ID the job runs as")
	timeout := flag.Duration("timeout", 15*time.Minute, "Give up waiting after this long")
	follow := flag.Bool("follow", true, "Print progress and streamed text while the job runs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	body, err := buildPayload(domain.JobKind(*kind), *prompt, *payload)
	if err != nil {
		appLogger.WithError(err).Fatal("Invalid payload")
	}

	history, err := newHistoryStore(cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize history store")
	}
	var credit service.CreditChecker
	if cfg.Credit.Enabled {
		credit = provider.NewCreditClient(&cfg.Credit)
	}

	jobs, err := service.NewJobService(&service.JobServiceConfig{
		Config:  cfg,
		Gateway: provider.NewHTTPGateway(cfg),
		History: history,
		Credit:  credit,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize job service")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	job, err := jobs.Submit(ctx, service.SubmitRequest{
		OwnerID: *owner,
		Kind:    domain.JobKind(*kind),
		Payload: body,
	})
	if job.ID == "" {
		appLogger.WithError(err).Fatal("Job rejected")
	}
	appLogger.WithFields(logger.Fields{
		logger.FieldJobID: job.ID,
		"kind":            job.Kind,
		"state":           job.State,
	}).Info("Job submitted")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, cancelling job...")
		if _, err := jobs.Cancel(context.Background(), *owner, job.ID); err != nil {
			appLogger.WithError(err).Warn("Cancel failed")
		}
	}()

	if *follow {
		printEvents(ctx, jobs, *owner, job.ID)
	}

	final, err := jobs.Wait(ctx, *owner, job.ID)
	if err != nil {
		// timed out waiting; stop the provider work before exiting
		final, _ = jobs.Cancel(context.Background(), *owner, job.ID)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = jobs.Shutdown(shutdownCtx)

	out, _ := json.MarshalIndent(final, "", "  ")
	fmt.Println(string(out))
	if final.State != domain.JobStateSucceeded {
		os.Exit(1)
	}
}

// buildPayload returns raw when given, otherwise wraps prompt in the field
// the kind expects.
func buildPayload(kind domain.JobKind, prompt, raw string) (json.RawMessage, error) {
	if raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("-payload is not valid JSON")
		}
		return json.RawMessage(raw), nil
	}
	field := "prompt"
	if kind == domain.JobKindDetection || kind == domain.JobKindHumanize {
		field = "text"
	}
	return json.Marshal(map[string]string{field: prompt})
}

// printEvents writes deltas to stdout and progress to stderr until the job ends.
func printEvents(ctx context.Context, jobs *service.JobService, owner, jobID string) {
	events, unsubscribe, err := jobs.Subscribe(owner, jobID)
	if err != nil {
		return
	}
	defer unsubscribe()

	lastProgress := -1
	for {
		var ev domain.JobEvent
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
			if !ok {
				return
			}
		}
		switch {
		case ev.Delta != "":
			fmt.Print(ev.Delta)
		case ev.State.IsTerminal():
			fmt.Fprintf(os.Stderr, "\n[%s] %s\n", ev.State, ev.Message)
		case ev.Progress != lastProgress:
			lastProgress = ev.Progress
			fmt.Fprintf(os.Stderr, "\r%s %3d%%", ev.State, ev.Progress)
		}
	}
}

func newHistoryStore(cfg *config.Config) (service.HistoryStore, error) {
	if cfg.History.Backend == "remote" {
		return provider.NewHistoryClient(&cfg.History), nil
	}
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	return repository.NewHistoryRepository(db), nil
}
