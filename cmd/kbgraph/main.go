// Package main provides the kbgraph CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/kbgraph/pkg/answer"
	"github.com/orneryd/kbgraph/pkg/config"
	"github.com/orneryd/kbgraph/pkg/kb"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kbgraph",
		Short: "kbgraph - typed graph knowledge base with rule inference",
		Long: `kbgraph stores a typed graph of entities, relations and attributes in
badger and answers conjunctive queries over it, optionally inferring new
facts from rules until no more can be derived.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", getEnvStr("KBGRAPH_CONFIG", ""), "Config file (default: search standard locations)")
	pf.String("data-dir", getEnvStr("KBGRAPH_DATA_DIR", "./data"), "Data directory")
	pf.Bool("in-memory", getEnvBool("KBGRAPH_IN_MEMORY", false), "Keep everything in memory")
	pf.Int("parallel", getEnvInt("KBGRAPH_PARALLELISATION", 4), "Traversal workers")
	pf.Int("workers", getEnvInt("KBGRAPH_REASONER_WORKERS", 8), "Reasoner workers")
	pf.String("log-level", getEnvStr("KBGRAPH_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kbgraph v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "load <dataset.yaml>",
		Short: "Define the schema, insert the things and define the rules of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad,
	})

	matchCmd := &cobra.Command{
		Use:   "match <dataset.yaml>",
		Short: "Run the queries of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE:  runMatch,
	}
	matchCmd.Flags().String("query", "", "Run only the named query")
	matchCmd.Flags().Bool("infer", false, "Infer answers from rules for every query")
	matchCmd.Flags().Bool("explain", getEnvBool("KBGRAPH_EXPLAIN", false), "Print derivations of inferred answers")
	matchCmd.Flags().Bool("load", false, "Load the dataset before matching (for --in-memory runs)")
	matchCmd.Flags().Duration("timeout", 5*time.Minute, "Timeout per query")
	rootCmd.AddCommand(matchCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print key counts per storage partition",
		RunE:  runStats,
	})

	return rootCmd
}

// openDB loads the configuration file and environment, applies explicitly
// set flags on top and opens the database.
func openDB(cmd *cobra.Command) (*kb.DB, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("in-memory") {
		cfg.Storage.InMemory, _ = flags.GetBool("in-memory")
	}
	if flags.Changed("parallel") {
		cfg.Traversal.Parallelisation, _ = flags.GetInt("parallel")
	}
	if flags.Changed("workers") {
		cfg.Reasoner.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	db, err := kb.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runLoad(cmd *cobra.Command, args []string) error {
	ds, err := kb.LoadDataset(args[0])
	if err != nil {
		return err
	}
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	rep, err := db.Load(ctx, ds)
	if err != nil {
		return fmt.Errorf("loading %s: %w", args[0], err)
	}
	fmt.Printf("Loaded %d types, %d things, %d rules in %v\n", rep.Types, rep.Things, rep.Rules, time.Since(start))
	return nil
}

func runMatch(cmd *cobra.Command, args []string) error {
	ds, err := kb.LoadDataset(args[0])
	if err != nil {
		return err
	}
	only, _ := cmd.Flags().GetString("query")
	infer, _ := cmd.Flags().GetBool("infer")
	explain, _ := cmd.Flags().GetBool("explain")
	load, _ := cmd.Flags().GetBool("load")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if load {
		if _, err := db.Load(ctx, ds); err != nil {
			return fmt.Errorf("loading %s: %w", args[0], err)
		}
	}

	ran := 0
	for _, q := range ds.Queries {
		if only != "" && q.Name != only {
			continue
		}
		ran++
		opts := q.Options()
		opts.Infer = opts.Infer || infer
		opts.Explain = opts.Explain || explain
		if err := runQuery(ctx, db, q, opts, timeout); err != nil {
			return fmt.Errorf("query %q: %w", q.Name, err)
		}
	}
	if ran == 0 {
		return fmt.Errorf("no query to run in %s", args[0])
	}
	return nil
}

func runQuery(ctx context.Context, db *kb.DB, q kb.QuerySpec, opts kb.MatchOptions, timeout time.Duration) error {
	conj, err := q.Conjunction()
	if err != nil {
		return err
	}
	tx, err := db.Transaction(false)
	if err != nil {
		return err
	}
	defer tx.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	answers, err := tx.Match(ctx, conj, opts)
	if err != nil {
		return err
	}
	all, err := kb.Collect(ctx, answers)
	fmt.Printf("%s: %d answers in %v\n", q.Name, len(all), time.Since(start))
	for _, a := range all {
		fmt.Printf("  %s\n", describe(tx, a.Concepts))
		if opts.Explain && len(a.Derivation) > 0 {
			for _, line := range strings.Split(strings.TrimRight(answer.Explain(q.Name, a).String(), "\n"), "\n") {
				fmt.Printf("    %s\n", line)
			}
		}
	}
	return err
}

func describe(tx *kb.Tx, m answer.ConceptMap) string {
	vars := m.Vars()
	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = "$" + v + "=" + tx.Describe(m[v])
	}
	return strings.Join(parts, " ")
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}
	fmt.Println("Storage partitions:")
	total := 0
	for _, s := range stats {
		fmt.Printf("  %-18s %d\n", s.Partition, s.Keys)
		total += s.Keys
	}
	fmt.Printf("  %-18s %d\n", "total", total)
	return nil
}

// getEnvStr returns environment variable value or default
func getEnvStr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}
