// subcultd is the worker daemon for the persona collective: it migrates the
// schema, then polls shared relational state for claimable work and drives
// every claimed unit to a terminal status.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/subculture-collective/subcult-corp-sub002/internal/agent"
	"github.com/subculture-collective/subcult-corp-sub002/internal/config"
	"github.com/subculture-collective/subcult-corp-sub002/internal/distill"
	"github.com/subculture-collective/subcult-corp-sub002/internal/events"
	"github.com/subculture-collective/subcult-corp-sub002/internal/gate"
	"github.com/subculture-collective/subcult-corp-sub002/internal/jobqueue"
	"github.com/subculture-collective/subcult-corp-sub002/internal/llm"
	"github.com/subculture-collective/subcult-corp-sub002/internal/logging"
	"github.com/subculture-collective/subcult-corp-sub002/internal/reaction"
	"github.com/subculture-collective/subcult-corp-sub002/internal/roundtable"
	"github.com/subculture-collective/subcult-corp-sub002/internal/sandbox"
	"github.com/subculture-collective/subcult-corp-sub002/internal/store"
	"github.com/subculture-collective/subcult-corp-sub002/internal/worker"
	"github.com/subculture-collective/subcult-corp-sub002/pkg/models"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "subcultd",
		Usage:   "autonomous persona collective worker",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
		},
		Commands: []*cli.Command{
			workerCommand(),
			migrateCommand(),
			envCommand(),
			scheduleCommand(),
			grantCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	return cfg, log, nil
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply the database schema and job queue migrations",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx := c.Context

			st, err := store.New(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := store.Migrate(ctx, st.Pool()); err != nil {
				return err
			}

			migrator, err := rivermigrate.New(riverpgxv5.New(st.Pool()), nil)
			if err != nil {
				return fmt.Errorf("creating river migrator: %w", err)
			}
			if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
				return fmt.Errorf("applying river migrations: %w", err)
			}

			log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func envCommand() *cli.Command {
	return &cli.Command{
		Name:  "env",
		Usage: "print the resolved configuration with secrets masked",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			fmt.Printf("database.url      = %s\n", maskSecret(cfg.Database.URL))
			fmt.Printf("llm.api_key       = %s\n", maskSecret(cfg.LLM.APIKey))
			fmt.Printf("llm.models        = %s\n", strings.Join(cfg.LLM.Models, ", "))
			fmt.Printf("llm.head_group    = %d\n", cfg.LLM.HeadGroup)
			fmt.Printf("worker.id         = %s\n", cfg.Worker.ID)
			fmt.Printf("worker.poll       = %s\n", cfg.PollInterval())
			fmt.Printf("worker.grace      = %s\n", cfg.Grace())
			fmt.Printf("sandbox.root      = %s\n", cfg.Sandbox.Root)
			fmt.Printf("gate.auto_approve = %t\n", cfg.Gate.AutoApprove)
			if err := cfg.Validate(); err != nil {
				fmt.Printf("\nvalidation: %v\n", err)
				return nil
			}
			fmt.Println("\nvalidation: ok")
			return nil
		},
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "run the claim scheduler and job queue",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			return runWorker(c.Context, cfg, log)
		},
	}
}

func runWorker(baseCtx context.Context, cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := llm.NewGoogleProvider(ctx, cfg.LLM.APIKey, cfg.LLM.Models[0])
	if err != nil {
		return err
	}
	client := llm.NewResilientClient(provider, llm.FallbackPolicy{
		Models:     cfg.LLM.Models,
		HeadGroup:  cfg.LLM.HeadGroup,
		MaxRetries: cfg.LLM.MaxRetries,
		RetryDelay: time.Duration(cfg.LLM.RetryDelaySeconds) * time.Second,
	}, cfg.LLM.RequestsPerMinute, log)
	routes := llm.NewRouteCache(cfg.RouteTTL(), nil, func() map[string][]string {
		return cfg.LLM.Routes
	})

	if err := os.MkdirAll(cfg.Sandbox.Root, 0o755); err != nil {
		return fmt.Errorf("creating sandbox root: %w", err)
	}
	acl := sandbox.NewACL(st)
	sb := sandbox.New(cfg.Sandbox.Root, acl,
		time.Duration(cfg.Sandbox.TimeoutSeconds)*time.Second, cfg.Sandbox.MaxOutputBytes, log)

	emitter := events.NewEmitter(st, log)
	registry := sandbox.NewRegistry(sb, emitter, st)

	allowKinds := make([]models.StepKind, 0, len(cfg.Gate.AllowKinds))
	for _, k := range cfg.Gate.AllowKinds {
		allowKinds = append(allowKinds, models.StepKind(k))
	}
	g := gate.New(st, gate.Limits{
		DailyProposals: cfg.Limits.DailyProposals,
		ActiveMissions: cfg.Limits.ActiveMissions,
		DailySteps:     cfg.Limits.DailySteps,
		DailyDrafts:    cfg.Limits.DailyDrafts,
	}, gate.Policy{
		AutoApprove: cfg.Gate.AutoApprove,
		AllowKinds:  allowKinds,
	}, log)

	distiller := distill.New(st, client, g, routes, distill.Config{
		MinConfidence:   cfg.Limits.MinConfidence,
		MemoryMaxLength: cfg.Limits.MemoryMaxLength,
		MemoryCap:       cfg.Limits.MemoryCap,
		DriftLogCap:     cfg.Limits.DriftLogCap,
	}, log)

	engine := reaction.NewEngine(st, reaction.DefaultRules(),
		time.Duration(cfg.Reaction.CooldownMinutes)*time.Minute, log, nil)

	queue, err := jobqueue.New(st.Pool(), jobqueue.Deps{
		Store:           st,
		Distiller:       distiller,
		Evaluator:       engine,
		Client:          client,
		Writer:          sb,
		Emitter:         emitter,
		ArtifactPersona: "vex",
		ArtifactDir:     "archive/sessions",
	}, log)
	if err != nil {
		return err
	}
	emitter.SetQueue(queue)

	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("starting job queue: %w", err)
	}

	orch := roundtable.New(st, client, queue, cfg.LLM.MaxTokens, log, nil)
	runner := agent.NewRunner(st, client, registry, cfg.Sandbox.MaxRounds, cfg.SessionTimeout(), log)
	drainer := reaction.NewDrainer(st, g, cfg.Reaction.DrainBatch, log)

	wcfg := worker.Config{ID: cfg.Worker.ID, PollInterval: cfg.PollInterval()}
	steps := worker.NewStepProcessor(wcfg, st, client, emitter, sb, runner, log)
	w := worker.New(wcfg, st, steps, orch, runner, drainer, g, log)

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	log.Info().Dur("grace", cfg.Grace()).Msg("shutdown requested")

	// In-flight work gets the grace window, then the process exits regardless.
	select {
	case <-done:
	case <-time.After(cfg.Grace()):
		log.Warn().Msg("grace window elapsed, forcing exit")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := queue.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("job queue stop failed")
	}
	return nil
}

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "enqueue work for the collective",
		Subcommands: []*cli.Command{
			{
				Name:  "session",
				Usage: "schedule a roundtable session",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Required: true, Usage: "standup, debate, watercooler, or retro"},
					&cli.StringFlag{Name: "topic", Required: true},
					&cli.StringSliceFlag{Name: "participants", Required: true},
					&cli.DurationFlag{Name: "in", Usage: "delay before the session becomes due"},
				},
				Action: func(c *cli.Context) error {
					cfg, _, err := loadConfig(c)
					if err != nil {
						return err
					}
					st, err := store.New(c.Context, cfg.Database.URL)
					if err != nil {
						return err
					}
					defer st.Close()

					sess := &models.RoundtableSession{
						ID:           uuid.NewString(),
						Format:       models.SessionFormat(c.String("format")),
						Topic:        c.String("topic"),
						Participants: c.StringSlice("participants"),
						ScheduledAt:  time.Now().Add(c.Duration("in")),
					}
					if _, ok := roundtable.FormatFor(sess.Format); !ok {
						return fmt.Errorf("unknown format %q", sess.Format)
					}
					if err := st.InsertSession(c.Context, sess); err != nil {
						return err
					}
					fmt.Println(sess.ID)
					return nil
				},
			},
			{
				Name:  "initiative",
				Usage: "prompt a persona to propose its own work",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "persona", Required: true},
					&cli.StringFlag{Name: "context", Usage: "optional framing for the prompt"},
					&cli.DurationFlag{Name: "in", Usage: "delay before the entry becomes due"},
				},
				Action: func(c *cli.Context) error {
					cfg, _, err := loadConfig(c)
					if err != nil {
						return err
					}
					st, err := store.New(c.Context, cfg.Database.URL)
					if err != nil {
						return err
					}
					defer st.Close()

					entry := &models.InitiativeEntry{
						ID:          uuid.NewString(),
						Persona:     c.String("persona"),
						Context:     c.String("context"),
						ScheduledAt: time.Now().Add(c.Duration("in")),
					}
					if err := st.InsertInitiative(c.Context, entry); err != nil {
						return err
					}
					fmt.Println(entry.ID)
					return nil
				},
			},
		},
	}
}

func grantCommand() *cli.Command {
	return &cli.Command{
		Name:  "grant",
		Usage: "give a persona a time-limited write prefix in the sandbox",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "persona", Required: true},
			&cli.StringFlag{Name: "prefix", Required: true, Usage: "sandbox-relative path prefix, e.g. shared/launch/"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			cfg, _, err := loadConfig(c)
			if err != nil {
				return err
			}
			st, err := store.New(c.Context, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer st.Close()

			g := &models.ACLGrant{
				ID:         uuid.NewString(),
				Grantee:    c.String("persona"),
				PathPrefix: c.String("prefix"),
				ExpiresAt:  time.Now().Add(c.Duration("ttl")),
			}
			if err := st.InsertGrant(c.Context, g); err != nil {
				return err
			}
			fmt.Println(g.ID)
			return nil
		},
	}
}

func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}
