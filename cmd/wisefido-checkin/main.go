// wisefido-checkin 老人每日问候呼叫调度与升级服务
//
// 用法:
//
//	wisefido-checkin serve
//	wisefido-checkin tick
//	wisefido-checkin migrate up
//	wisefido-checkin migrate down --steps 1
//	wisefido-checkin resolve <event_id> --by family
//	wisefido-checkin audit export --since 2026-07-01 --until 2026-07-08 --out audit.xlsx
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	commondb "wisefido-checkin/common/database"
	"wisefido-checkin/internal/consumer"
	httpapi "wisefido-checkin/internal/http"
	"wisefido-checkin/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const migrationsPath = "file://migrations"

func main() {
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Wellbeing call scheduling and escalation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), tickCmd(), migrateCmd(), resolveCmd(), auditCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp 加载配置并组装组件，执行完毕后释放
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop, outcome consumer and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			return withApp(ctx, func(ctx context.Context, a *app) error {
				log := a.logger
				log.Info("Starting wisefido-checkin service",
					zap.String("http_addr", a.cfg.HTTP.Addr),
					zap.Duration("tick_interval", a.cfg.Scheduler.TickInterval),
					zap.Bool("mqtt_enabled", a.cfg.MQTT.Enabled),
				)

				handler := httpapi.NewCheckinHandler(a.scheduler, a.ingest, a.audit, a.cfg.Scheduler.JobName, log)
				srv := &http.Server{
					Addr:              a.cfg.HTTP.Addr,
					Handler:           httpapi.NewRouter(handler, log),
					ReadHeaderTimeout: 10 * time.Second,
				}
				runner := service.NewRunner(a.scheduler, a.cfg.Scheduler.TickInterval, log)
				outcomes := consumer.NewOutcomeConsumer(a.redis, a.ingest, log,
					a.cfg.Outcome.Stream, a.cfg.Outcome.Group, a.cfg.Outcome.Consumer)

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return runner.Run(gctx) })
				g.Go(func() error { return outcomes.Start(gctx) })
				g.Go(func() error {
					log.Info("HTTP server listening", zap.String("addr", srv.Addr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("http server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})

				err := g.Wait()
				log.Info("Service stopped")
				return err
			})
		},
	}
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single scheduling pass and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			return withApp(ctx, func(ctx context.Context, a *app) error {
				summary, err := a.scheduler.Tick(ctx)
				if summary != nil {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					_ = enc.Encode(summary)
				}
				return err
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()
			if err := commondb.MigrateUp(&cfg.Database, migrationsPath); err != nil {
				return err
			}
			log.Info("Migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()
			if err := commondb.MigrateDown(&cfg.Database, migrationsPath, steps); err != nil {
				return err
			}
			log.Info("Migrations rolled back", zap.Int("steps", steps))
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of versions to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func resolveCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "resolve <event_id>",
		Short: "Mark an escalation event as resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			return withApp(ctx, func(ctx context.Context, a *app) error {
				resolved, err := a.ingest.ResolveEscalation(ctx, args[0], by)
				if err != nil {
					return err
				}
				if !resolved {
					fmt.Fprintf(cmd.OutOrStdout(), "event %s was already resolved\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "event %s resolved by %s\n", args[0], by)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "operator", "Who resolved the event")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail tools",
	}

	var since, until, out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export heartbeats and notification history to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			from, err := parseDay(since, now.AddDate(0, 0, -7))
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			to, err := parseDay(until, now)
			if err != nil {
				return fmt.Errorf("invalid --until: %w", err)
			}

			ctx, cancel := signalContext()
			defer cancel()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				data, err := a.audit.Export(ctx, from, to)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", out, err)
				}
				a.logger.Info("Audit workbook written",
					zap.String("path", out),
					zap.Time("since", from),
					zap.Time("until", to),
				)
				return nil
			})
		},
	}
	export.Flags().StringVar(&since, "since", "", "Start date YYYY-MM-DD (default 7 days ago)")
	export.Flags().StringVar(&until, "until", "", "End date YYYY-MM-DD (default now)")
	export.Flags().StringVar(&out, "out", "wellcall_audit.xlsx", "Output file")

	cmd.AddCommand(export)
	return cmd
}

func parseDay(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	return time.Parse("2006-01-02", s)
}
