// Command harvester runs the Phoenix-metro property data pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/desertmls/harvester/internal/collector"
	"github.com/desertmls/harvester/internal/collector/assessor"
	"github.com/desertmls/harvester/internal/collector/mls"
	"github.com/desertmls/harvester/internal/config"
	"github.com/desertmls/harvester/internal/domain"
	"github.com/desertmls/harvester/internal/extract"
	"github.com/desertmls/harvester/internal/llm"
	"github.com/desertmls/harvester/internal/metrics"
	"github.com/desertmls/harvester/internal/orchestrator"
	"github.com/desertmls/harvester/internal/pipeline"
	"github.com/desertmls/harvester/internal/proxy"
	"github.com/desertmls/harvester/internal/ratelimit"
	"github.com/desertmls/harvester/internal/repo"
	"github.com/desertmls/harvester/internal/repo/memory"
	"github.com/desertmls/harvester/internal/repo/postgres"
	"github.com/desertmls/harvester/internal/report"
	"github.com/desertmls/harvester/internal/validate"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "harvester",
		Short: "Phoenix-metro property data pipeline",
		Long:  "Collects property records from the county assessor API and MLS listings,\nextracts and validates them, and maintains the canonical property store.",
	}
	root.AddCommand(runCmd(), collectCmd(), healthCmd(), reportCmd(), schemaCmd())
	return root
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// app holds the wired pipeline components for one invocation.
type app struct {
	cfg        *config.Config
	limiter    *ratelimit.Limiter
	mets       *metrics.Registry
	ops        *metrics.Server
	store      repo.Repository
	llmClient  *llm.Client
	builder    *report.Builder
	pipe       *pipeline.Pipeline
	collectors []collector.Collector

	close func()
}

func buildApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, close: func() {}}

	a.limiter = ratelimit.NewLimiter(ratelimit.Policy{Limit: 1000, Window: time.Hour, SafetyMargin: 0.10})
	a.mets = metrics.NewRegistry()
	a.limiter.AddObserver(a.mets)
	a.ops = metrics.NewServer(cfg.OpsListenAddr, a.mets)

	if cfg.DatabaseURL != "" {
		store, err := postgres.Open(cfg.DatabaseURL, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.store = store
		a.close = func() { store.Close() }
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		a.store = memory.New()
	}

	a.llmClient = llm.NewClient(llm.Options{
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
		Metrics:    a.mets,
	})
	cache, err := llm.NewExtractionCache(cfg.RedisAddr, 24*time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("extraction cache unavailable, continuing without it")
		cache, _ = llm.NewExtractionCache("", 0)
	}

	validator := validate.New(validate.Config{
		MinConfidence: cfg.Validation.MinConfidence,
		Strict:        cfg.Validation.Strict,
		MinPrice:      cfg.Validation.MinPrice,
		MaxPrice:      cfg.Validation.MaxPrice,
		MinSqft:       cfg.Validation.MinSqft,
		MaxSqft:       cfg.Validation.MaxSqft,
	})
	extractor := extract.NewExtractor(a.llmClient, cache, validator, a.mets, true, cfg.LLM.BatchSize)

	a.builder = report.NewBuilder(time.Now())
	a.pipe = pipeline.New(extractor, validator, a.store, a.builder, a.mets, pipeline.Config{
		BatchSize:     cfg.Processing.BatchSize,
		MaxConcurrent: cfg.Processing.MaxConcurrent,
		EnableStorage: cfg.Processing.EnableStorage,
	})

	for _, name := range cfg.EnabledCollectors {
		switch name {
		case "assessor":
			a.collectors = append(a.collectors, assessor.New(cfg.Assessor, a.limiter))
		case "mls":
			pool := proxy.NewPool(proxyEndpoints(cfg.Proxy), cfg.Proxy.MaxFailures)
			scraper, err := mls.New(cfg.MLS, pool, a.mets)
			if err != nil {
				return nil, fmt.Errorf("build mls collector: %w", err)
			}
			a.collectors = append(a.collectors, scraper)
		default:
			return nil, fmt.Errorf("unknown collector %q", name)
		}
	}
	return a, nil
}

func proxyEndpoints(cfg config.ProxyConfig) []proxy.Endpoint {
	var out []proxy.Endpoint
	for _, raw := range cfg.Endpoints {
		host, portStr, ok := strings.Cut(raw, ":")
		if !ok {
			log.Warn().Str("endpoint", raw).Msg("proxy endpoint missing port, skipped")
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Warn().Str("endpoint", raw).Msg("proxy endpoint has invalid port, skipped")
			continue
		}
		out = append(out, proxy.Endpoint{
			Host:     host,
			Port:     port,
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}
	return out
}

func loadConfigAndApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)
	return buildApp(cfg)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute the daily collection and processing run",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadConfigAndApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.ops.Start()
			defer a.ops.Stop(context.Background())

			orch := orchestrator.New(a.cfg, a.collectors, a.pipe, a.store, a.llmClient, a.builder, a.limiter, a.ops, a.mets)
			res, err := orch.Run(ctx)
			if err != nil {
				return err
			}
			if !res.Succeeded {
				return fmt.Errorf("run %s did not succeed: %d processed, %d errors",
					res.RunID, res.Report.TotalProcessed, res.Report.ErrorCount)
			}
			return nil
		},
	}
}

func collectCmd() *cobra.Command {
	var source, zip, key string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect and process a single source, by ZIP code or record key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (zip == "") == (key == "") {
				return fmt.Errorf("exactly one of --zip or --key is required")
			}
			a, err := loadConfigAndApp()
			if err != nil {
				return err
			}
			defer a.close()

			var target collector.Collector
			for _, c := range a.collectors {
				if c.Name() == source {
					target = c
				}
			}
			if target == nil {
				return fmt.Errorf("unknown or disabled source %q", source)
			}
			if err := target.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Orchestration.PerCollectorTimeout)
			defer cancel()

			var records []domain.RawRecord
			if key != "" {
				rec, derr := target.CollectDetail(ctx, key)
				err = derr
				if derr == nil {
					records = []domain.RawRecord{rec}
				}
			} else {
				records, err = target.Collect(ctx, zip)
			}
			if err != nil {
				log.Error().Err(err).Msg("collection failed")
			}
			out := a.pipe.ProcessBatch(ctx, records)
			fmt.Printf("collected=%d processed=%d failed=%d\n", len(records), out.Processed, out.Failed)
			if !out.Success() && err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "assessor_api", "source to collect (assessor_api or mls_scrape)")
	cmd.Flags().StringVar(&zip, "zip", "", "target ZIP code")
	cmd.Flags().StringVar(&key, "key", "", "single record key (parcel number or detail path)")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the backing services and exit non-zero if any are down",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadConfigAndApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			failed := false
			if err := a.store.Ping(ctx); err != nil {
				fmt.Println("repository: DOWN -", err)
				failed = true
			} else {
				fmt.Println("repository: ok")
			}
			if a.llmClient.Health(ctx) {
				fmt.Println("llm: ok")
			} else {
				fmt.Println("llm: DOWN")
				failed = true
			}
			if failed {
				return fmt.Errorf("one or more services are unavailable")
			}
			return nil
		},
	}
}

func reportCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a stored daily report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadConfigAndApp()
			if err != nil {
				return err
			}
			defer a.close()

			if date == "" {
				date = time.Now().UTC().Format("2006-01-02")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			rep, err := a.store.GetDailyReport(ctx, date)
			if err != nil {
				return fmt.Errorf("report for %s: %w", date, err)
			}
			out, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "report date (YYYY-MM-DD), defaults to today")
	return cmd
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the PostgreSQL DDL this service expects",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(postgres.Schema)
		},
	}
}
