package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"kairos/internal/api"
	"kairos/internal/credentials"
	"kairos/internal/google"
	"kairos/internal/icloud"
	"kairos/internal/jobs"
	"kairos/internal/models"
	"kairos/internal/oracle"
	"kairos/internal/storage"
	"kairos/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "kairos",
		Usage: "Fit tasks around your Google Calendar and write the plan back.",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			authCommand(),
			eventsCommand(),
			optimizeCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"LOG_LEVEL"}},
		&cli.StringFlag{Name: "google-client-id", EnvVars: []string{"GOOGLE_CLIENT_ID"}},
		&cli.StringFlag{Name: "google-client-secret", EnvVars: []string{"GOOGLE_CLIENT_SECRET"}},
		&cli.StringFlag{Name: "gemini-api-key", EnvVars: []string{"GEMINI_API_KEY"}},
		&cli.StringFlag{Name: "gemini-model", Value: oracle.DefaultGeminiModel, EnvVars: []string{"GEMINI_MODEL"}},
		&cli.StringFlag{Name: "storage-driver", Value: "sqlite", EnvVars: []string{"KAIROS_STORAGE_DRIVER"}},
		&cli.StringFlag{Name: "db", Value: "kairos.db", EnvVars: []string{"KAIROS_DB"}},
		&cli.DurationFlag{Name: "job-timeout", Value: jobs.DefaultTimeout, EnvVars: []string{"JOB_TIMEOUT"}},
		&cli.IntFlag{Name: "job-workers", Value: 2, EnvVars: []string{"JOB_WORKERS"}},
		&cli.IntFlag{Name: "job-queue-size", Value: 64, EnvVars: []string{"JOB_QUEUE_SIZE"}},
		&cli.DurationFlag{Name: "job-retention", Value: 24 * time.Hour, EnvVars: []string{"JOB_RETENTION"}},
		&cli.StringFlag{Name: "job-sweep", Value: jobs.DefaultSweepSpec, EnvVars: []string{"JOB_SWEEP"}},
		&cli.IntFlag{Name: "calendar-max-results", Value: 20, EnvVars: []string{"CALENDAR_MAX_RESULTS"}},
		&cli.IntFlag{Name: "calendar-rps", Value: 5, EnvVars: []string{"CALENDAR_RPS"}},
		&cli.StringFlag{Name: "caldav-endpoint", Value: icloud.DefaultEndpoint, EnvVars: []string{"CALDAV_ENDPOINT"}},
		&cli.StringFlag{Name: "caldav-username", EnvVars: []string{"CALDAV_USERNAME"}},
		&cli.StringFlag{Name: "caldav-password", EnvVars: []string{"CALDAV_PASSWORD"}},
		&cli.StringFlag{Name: "caldav-calendar", EnvVars: []string{"CALDAV_CALENDAR"}},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Grant calendar access for a user and store the credential.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "User id the credential belongs to."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(c.String("log-level"))
			logger.Info("Starting Google authentication flow.")

			config, err := google.OAuthConfig(c.String("google-client-id"), c.String("google-client-secret"))
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", google.AuthCodeURL(config, "state-token"))

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			cred, err := google.CredentialFromCode(c.Context, config, c.String("user"), authCode)
			if err != nil {
				return err
			}

			store, err := openStore(c, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			creds := credentials.NewStore(logger, store, &credentials.OAuthRefresher{Config: config})
			if err := creds.Grant(c.Context, cred); err != nil {
				return fmt.Errorf("failed to save credential: %w", err)
			}

			logger.Info("Successfully authenticated and saved credential.", "userID", cred.UserID)
			return nil
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Print the user's upcoming calendar events.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(c.String("log-level"))
			store, err := openStore(c, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			gateway, err := newGateway(c, logger, store)
			if err != nil {
				return err
			}
			events, err := gateway.ListUpcoming(c.Context, c.String("user"))
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
}

func optimizeCommand() *cli.Command {
	return &cli.Command{
		Name:  "optimize",
		Usage: "Plan a task list around the calendar and optionally commit the result.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
			&cli.StringFlag{Name: "tasks", Required: true, Usage: "JSON file with a list of tasks."},
			&cli.StringFlag{Name: "timezone", EnvVars: []string{"PRIMARY_TIMEZONE"}, Value: "UTC"},
			&cli.BoolFlag{Name: "commit", Usage: "Create every placed task in the calendar."},
			&cli.StringFlag{Name: "ics", Usage: "Write the resulting schedule to this .ics file."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(c.String("log-level"))
			tasks, err := readTasks(c.String("tasks"))
			if err != nil {
				return err
			}

			rt, err := newCore(c, logger, c.Bool("commit"))
			if err != nil {
				return err
			}
			defer rt.close()

			user := c.String("user")
			id, err := rt.syncer.Plan(c.Context, user, tasks, c.String("timezone"))
			if err != nil {
				return err
			}
			job, err := rt.pipeline.Wait(c.Context, id, 500*time.Millisecond)
			if err != nil {
				return fmt.Errorf("waiting for job %s: %w", id, err)
			}
			if job.State == models.JobFailed {
				return fmt.Errorf("job %s failed: %s", id, job.Error.Message)
			}
			if job.Result.Degraded {
				logger.Warn("The schedule could not be optimized, returning fixed events only.", "reason", job.Result.Reason)
			}
			if err := printJSON(job.Result); err != nil {
				return err
			}

			if path := c.String("ics"); path != "" {
				if err := writeICS(path, job); err != nil {
					return err
				}
				logger.Info("Wrote schedule.", "file", path)
			}

			if c.Bool("commit") {
				var placed []models.ScheduledItem
				for _, it := range job.Result.Items {
					if it.Type == models.ItemTask {
						placed = append(placed, it)
					}
				}
				report, err := rt.syncer.Commit(c.Context, user, id, placed)
				if err != nil {
					return err
				}
				return printJSON(report)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "127.0.0.1:8080", EnvVars: []string{"KAIROS_LISTEN"}},
			&cli.StringFlag{Name: "tokens", EnvVars: []string{"API_TOKENS"}, Usage: "Comma separated token:user pairs."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(c.String("log-level"))

			tokens, err := api.ParseTokens(c.String("tokens"))
			if err != nil {
				return err
			}
			if tokens.Len() == 0 {
				return errors.New("API_TOKENS is empty, refusing to serve without callers")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newCore(c, logger, true)
			if err != nil {
				return err
			}
			defer rt.close()

			sweeper, err := jobs.NewSweeper(logger, rt.store, c.String("job-sweep"), c.Duration("job-retention"))
			if err != nil {
				return err
			}
			sweeper.Start()
			defer sweeper.Stop()

			srv := &http.Server{
				Addr:              c.String("listen"),
				Handler:           api.NewServer(logger, rt.syncer, tokens).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting HTTP server.", "listen", "http://"+srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("Shutting down.")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// core holds the wired services for one command invocation.
type core struct {
	store    storage.Store
	pipeline *jobs.Pipeline
	syncer   *syncer.Syncer
	logger   *slog.Logger
}

func newCore(c *cli.Context, logger *slog.Logger, withMirror bool) (*core, error) {
	store, err := openStore(c, logger)
	if err != nil {
		return nil, err
	}

	gateway, err := newGateway(c, logger, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	gemini, err := oracle.NewGemini(c.Context, c.String("gemini-api-key"), c.String("gemini-model"))
	if err != nil {
		store.Close()
		return nil, err
	}

	pipeline := jobs.New(jobs.Config{
		Workers:   c.Int("job-workers"),
		QueueSize: c.Int("job-queue-size"),
		Timeout:   c.Duration("job-timeout"),
	}, logger, store, oracle.NewClient(logger, gemini))
	pipeline.Start(context.WithoutCancel(c.Context))

	var opts []syncer.Option
	if withMirror && c.String("caldav-username") != "" {
		mirror, err := icloud.NewMirror(c.Context, logger, icloud.Config{
			Endpoint: c.String("caldav-endpoint"),
			Username: c.String("caldav-username"),
			Password: c.String("caldav-password"),
			Calendar: c.String("caldav-calendar"),
		})
		if err != nil {
			logger.Warn("CalDAV mirror disabled.", "error", err)
		} else {
			opts = append(opts, syncer.WithMirror(mirror))
		}
	}

	return &core{
		store:    store,
		pipeline: pipeline,
		syncer:   syncer.NewSyncer(logger, gateway, pipeline, store, opts...),
		logger:   logger,
	}, nil
}

func (r *core) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.pipeline.Stop(ctx)
	if err := r.store.Close(); err != nil {
		r.logger.Error("Failed to close store.", "error", err)
	}
}

func newGateway(c *cli.Context, logger *slog.Logger, store storage.Store) (*google.Gateway, error) {
	config, err := google.OAuthConfig(c.String("google-client-id"), c.String("google-client-secret"))
	if err != nil {
		return nil, fmt.Errorf("failed to get google oauth config: %w", err)
	}
	creds := credentials.NewStore(logger, store, &credentials.OAuthRefresher{Config: config})
	return google.NewGateway(logger, creds,
		google.WithMaxResults(c.Int("calendar-max-results")),
		google.WithRateLimit(c.Int("calendar-rps")),
	), nil
}

func openStore(c *cli.Context, logger *slog.Logger) (storage.Store, error) {
	store, err := storage.Open(storage.Config{
		Driver: c.String("storage-driver"),
		Path:   c.String("db"),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}

// readTasks accepts either a bare JSON array of tasks or {"tasks": [...]}.
func readTasks(path string) ([]models.TaskRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	var tasks []models.TaskRequest
	if err := json.Unmarshal(data, &tasks); err == nil {
		return tasks, nil
	}
	var wrapped struct {
		Tasks []models.TaskRequest `json:"tasks"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse tasks file %s: %w", path, err)
	}
	return wrapped.Tasks, nil
}

func writeICS(path string, job models.OptimizationJob) error {
	loc, err := time.LoadLocation(job.Input.Timezone)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := icloud.EncodeSchedule(f, job.ID, job.Result.Items, loc, time.Now()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
