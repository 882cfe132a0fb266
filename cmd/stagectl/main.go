// Package main is a command line client that starts a research stage and
// follows the task until it finishes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/research-orchestrator/internal/client"
	"github.com/helixir/research-orchestrator/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are the parsed command line flags.
type options struct {
	baseURL  string
	token    string
	project  uuid.UUID
	stage    string
	task     uuid.UUID
	params   json.RawMessage
	deadline time.Duration
	interval time.Duration
	noWait   bool
}

var errTaskFailed = errors.New("task failed")

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("stagectl", flag.ContinueOnError)
	baseURL := fs.String("url", envOr("ORCHESTRATOR_URL", "http://localhost:8080"), "API base URL")
	token := fs.String("token", os.Getenv("ORCHESTRATOR_TOKEN"), "Bearer token")
	project := fs.String("project", "", "Project ID")
	stage := fs.String("stage", "", "Stage to start (discover, analyze, landscape, ideas, method, draft)")
	task := fs.String("task", "", "Follow an existing task instead of starting one")
	params := fs.String("params", "", "Stage parameters as a JSON object")
	deadline := fs.Duration("deadline", 0, "Task deadline (0 keeps the server default)")
	interval := fs.Duration("interval", 2*time.Second, "Poll interval")
	noWait := fs.Bool("no-wait", false, "Return after the stage is accepted")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts := &options{
		baseURL:  *baseURL,
		token:    *token,
		stage:    *stage,
		deadline: *deadline,
		interval: *interval,
		noWait:   *noWait,
	}

	if *task != "" {
		if *stage != "" {
			return nil, errors.New("specify either -stage or -task, not both")
		}
		id, err := uuid.Parse(*task)
		if err != nil {
			return nil, fmt.Errorf("invalid -task: %w", err)
		}
		opts.task = id
		return opts, nil
	}

	if *stage == "" {
		return nil, errors.New("one of -stage or -task is required")
	}
	id, err := uuid.Parse(*project)
	if err != nil {
		return nil, fmt.Errorf("invalid -project: %w", err)
	}
	opts.project = id

	if *params != "" {
		if !json.Valid([]byte(*params)) {
			return nil, errors.New("-params is not valid JSON")
		}
		opts.params = json.RawMessage(*params)
	}
	return opts, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		TimeFormat: time.RFC3339,
	})

	api, err := client.New(client.Config{BaseURL: opts.baseURL, Token: opts.token})
	if err != nil {
		return err
	}

	taskID := opts.task
	if taskID == uuid.Nil {
		var params any
		if opts.params != nil {
			params = opts.params
		}
		started, err := api.StartStage(ctx, opts.project, opts.stage, params, opts.deadline)
		if err != nil {
			return fmt.Errorf("start %s: %w", opts.stage, err)
		}
		fmt.Fprintf(out, "task %s (%s) %s\n", started.TaskID, started.TaskType, started.Status)
		if opts.noWait {
			return nil
		}
		if taskID, err = uuid.Parse(started.TaskID); err != nil {
			return fmt.Errorf("server returned invalid task id %q", started.TaskID)
		}
	}

	return follow(ctx, api, taskID, opts.interval, out, logger)
}

// follow polls the task until it is terminal and reports the outcome.
func follow(ctx context.Context, api client.TaskAPI, taskID uuid.UUID, interval time.Duration, out io.Writer, logger zerolog.Logger) error {
	poller := client.NewPoller(api, client.PollerConfig{
		Interval: interval,
		OnUpdate: func(t *client.Task) {
			logger.Info().
				Str("task_id", t.TaskID).
				Str("status", t.Status).
				Int("progress", t.Progress).
				Bool("cancel_requested", t.CancelRequested).
				Msg(t.CurrentMessage)
		},
	}, logger)

	outcome, err := poller.Poll(ctx, taskID)
	if outcome == nil {
		return fmt.Errorf("follow task %s: %w", taskID, err)
	}

	task := outcome.Task
	if task.Status == client.StatusFailed {
		return fmt.Errorf("%w: %s: %s", errTaskFailed, task.ErrorKind, task.ErrorMessage)
	}
	fmt.Fprintf(out, "task %s %s\n", task.TaskID, task.Status)
	if outcome.Project != nil {
		fmt.Fprintf(out, "project %s at step %s", outcome.Project.ProjectID, outcome.Project.CurrentStep)
		if outcome.Project.NextStage != "" {
			fmt.Fprintf(out, ", next stage %s", outcome.Project.NextStage)
		}
		fmt.Fprintln(out)
	}
	// The task completed; a failed project re-read only loses the summary.
	if err != nil {
		logger.Warn().Err(err).Msg("project re-read failed")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
