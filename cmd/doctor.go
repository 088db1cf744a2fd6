package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/corpus"
	"github.com/quarrylabs/quarry/pkg/types"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check corpus health",
	Long: `Scans the corpus for problems that degrade retrieval quality:
chunks without embeddings, embeddings with the wrong dimension, and
context labels that span more than one source URL.

Example:
  quarry doctor
  quarry doctor --sample 10000`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().Int("sample", 0, "Limit the scan to the first N chunks (0 = all)")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	sample, _ := cmd.Flags().GetInt("sample")

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := corpus.NewPostgresStore(ctx, cfg.Corpus)
	if err != nil {
		return fmt.Errorf("failed to connect to corpus database: %w", err)
	}
	defer store.Close()

	pool := store.Pool()

	var total, missing, badDim int64
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM chunks`).Scan(&total); err != nil {
		return fmt.Errorf("failed to count chunks: %w", err)
	}
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE embedding IS NULL`).Scan(&missing); err != nil {
		return fmt.Errorf("failed to count missing embeddings: %w", err)
	}
	if err := pool.QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE embedding IS NOT NULL AND vector_dims(embedding) <> $1`,
		cfg.Corpus.Dimension,
	).Scan(&badDim); err != nil {
		return fmt.Errorf("failed to count dimension mismatches: %w", err)
	}

	scanTotal := total
	query := `SELECT id, url, content FROM chunks ORDER BY id`
	queryArgs := []any{}
	if sample > 0 {
		query += ` LIMIT $1`
		queryArgs = append(queryArgs, sample)
		if int64(sample) < scanTotal {
			scanTotal = int64(sample)
		}
	}

	bar := progressbar.NewOptions64(
		scanTotal,
		progressbar.OptionSetDescription("Scanning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionFullWidth(),
	)

	rows, err := pool.Query(ctx, query, queryArgs...)
	if err != nil {
		return fmt.Errorf("failed to scan chunks: %w", err)
	}
	defer rows.Close()

	// A context label is supposed to group parts of one document; one
	// label spread across URLs means the ingestion mislabeled chunks.
	contextURLs := make(map[string]map[string]bool)
	for rows.Next() {
		var (
			id      int64
			url     string
			content string
		)
		if err := rows.Scan(&id, &url, &content); err != nil {
			return fmt.Errorf("failed to read chunk: %w", err)
		}
		label, _ := types.ParseEnvelope(content)
		if label != "" {
			urls := contextURLs[label]
			if urls == nil {
				urls = make(map[string]bool)
				contextURLs[label] = urls
			}
			urls[url] = true
		}
		_ = bar.Add(1)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("chunk scan failed: %w", err)
	}
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	var crossURL []string
	for label, urls := range contextURLs {
		if len(urls) > 1 {
			crossURL = append(crossURL, label)
		}
	}

	fmt.Printf("Chunks:               %d\n", total)
	fmt.Printf("Missing embeddings:   %d\n", missing)
	fmt.Printf("Dimension mismatches: %d (expected %d)\n", badDim, cfg.Corpus.Dimension)
	fmt.Printf("Cross-URL contexts:   %d\n", len(crossURL))
	for i, label := range crossURL {
		if i == 20 {
			fmt.Printf("  ... and %d more\n", len(crossURL)-20)
			break
		}
		fmt.Printf("  - %q spans %d URLs\n", label, len(contextURLs[label]))
	}

	if missing == 0 && badDim == 0 && len(crossURL) == 0 {
		fmt.Println("\nCorpus looks healthy.")
		return nil
	}
	return fmt.Errorf("corpus has %d issue classes", countIssues(missing, badDim, int64(len(crossURL))))
}

func countIssues(counts ...int64) int {
	n := 0
	for _, c := range counts {
		if c > 0 {
			n++
		}
	}
	return n
}
