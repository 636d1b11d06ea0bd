package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/pagedserve/surge"
	"github.com/inference-sim/pagedserve/surge/kernel"
)

var (
	configPath   string // YAML config merged over the defaults
	logLevel     string // Log verbosity level
	seed         int64  // Overrides vsurge.seed when set
	vocab        int    // Vocabulary size of the reference kernel
	requestsPath string // Tokenized conversation dump; replaces the synthetic workload
	workloadPath string // Preset workloads file
	workloadName string // Preset to use from workloadPath
	workload     Workload
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "pagedserve",
	Short: "Continuous-batching engine over a paged, prefix-shared KV cache",
}

// loadConfig resolves the effective configuration from --config and --seed.
func loadConfig(cmd *cobra.Command) (surge.Config, error) {
	cfg := surge.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = surge.LoadConfig(configPath); err != nil {
			return surge.Config{}, err
		}
	}
	if cmd.Flags().Changed("seed") {
		cfg.Vsurge.Seed = seed
	}
	return cfg, cfg.Validate()
}

func setupLogging(cfg surge.Config) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q", logLevel)
	}
	if cfg.Esurge.Verbose || cfg.Vsurge.Verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
	return nil
}

// runCmd drives a workload through the engine with the reference kernel.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workload through the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := setupLogging(cfg); err != nil {
			return err
		}

		var reqs []Request
		switch {
		case requestsPath != "":
			reqs, err = LoadRequests(requestsPath)
		case workloadPath != "":
			var w Workload
			if w, err = LoadWorkload(workloadPath, workloadName); err == nil {
				reqs = w.Generate(cfg.Vsurge.Seed)
			}
		default:
			reqs = workload.Generate(cfg.Vsurge.Seed)
		}
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runWorkload(ctx, cfg, reqs, cmd.OutOrStdout())
	},
}

// runWorkload submits reqs, runs the engine until idle and prints the summary to out.
func runWorkload(ctx context.Context, cfg surge.Config, reqs []Request, out io.Writer) error {
	eng, err := surge.NewEngine(cfg, kernel.NewMemoryKernel(vocab), surge.WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		return err
	}
	logrus.Infof("Starting run with %d requests, %d pages of %d tokens",
		len(reqs), eng.Budget().Ceiling, cfg.Esurge.PageSize)

	rejected := 0
	for _, r := range reqs {
		if _, err := eng.Submit(r.Prompt, surge.GenerationParams{MaxNewTokens: r.MaxNewTokens}); err != nil {
			logrus.Warnf("request %s rejected: %v", r.ID, err)
			rejected++
		}
	}

	start := time.Now()
	if err := eng.Run(ctx); err != nil {
		return err
	}
	stats := eng.Stats()
	stats.Print(out)
	fmt.Fprintf(out, "Rejected Requests    : %d\n", rejected)
	fmt.Fprintf(out, "Wall Time            : %v\n", time.Since(start).Round(time.Millisecond))

	logrus.Info("Run complete.")
	return nil
}

// configCmd prints the effective configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config merged over the defaults")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 448, "Seed for workload generation (overrides vsurge.seed)")

	runCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().IntVar(&vocab, "vocab", MaxTokenID, "Vocabulary size of the reference kernel")
	runCmd.Flags().StringVar(&requestsPath, "requests", "", "Tokenized conversation JSON; replaces the synthetic workload")
	runCmd.Flags().StringVar(&workloadPath, "workloads", "", "Preset workloads YAML file")
	runCmd.Flags().StringVar(&workloadName, "workload", "", "Preset workload name in --workloads")

	// Synthetic workload
	runCmd.Flags().IntVar(&workload.NumRequests, "num-requests", 64, "Number of requests")
	runCmd.Flags().IntVar(&workload.PrefixTokens, "prefix-tokens", 256, "Shared prefix length prepended to every prompt")
	runCmd.Flags().IntVar(&workload.PromptTokensMean, "prompt-tokens", 512, "Average Prompt Token Count")
	runCmd.Flags().IntVar(&workload.PromptTokensStdev, "prompt-tokens-stdev", 256, "Stddev Prompt Token Count")
	runCmd.Flags().IntVar(&workload.PromptTokensMin, "prompt-tokens-min", 2, "Min Prompt Token Count")
	runCmd.Flags().IntVar(&workload.PromptTokensMax, "prompt-tokens-max", 2048, "Max Prompt Token Count")
	runCmd.Flags().IntVar(&workload.OutputTokensMean, "output-tokens", 128, "Average Output Token Count")
	runCmd.Flags().IntVar(&workload.OutputTokensStdev, "output-tokens-stdev", 64, "Stddev Output Token Count")
	runCmd.Flags().IntVar(&workload.OutputTokensMin, "output-tokens-min", 1, "Min Output Token Count")
	runCmd.Flags().IntVar(&workload.OutputTokensMax, "output-tokens-max", 1024, "Max Output Token Count")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}
