package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/corpus"
	"github.com/quarrylabs/quarry/pkg/embedding/openai"
	"github.com/quarrylabs/quarry/pkg/engine"
	"github.com/quarrylabs/quarry/pkg/rerank"
	"github.com/quarrylabs/quarry/pkg/telemetry"
)

var searchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Run a hybrid search against the corpus",
	Long: `Runs the full retrieval pipeline once and prints the ranked results.
Useful for testing corpus quality and tuning engine parameters without
an MCP client.

Example:
  quarry search "How do I configure authentication?" --count 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntP("count", "c", 5, "Number of results to return")
	searchCmd.Flags().Bool("show-urls", true, "Show additional URLs")
	searchCmd.Flags().Int("text-limit", 300, "Max characters of content to show per result")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	count, _ := cmd.Flags().GetInt("count")
	showURLs, _ := cmd.Flags().GetBool("show-urls")
	textLimit, _ := cmd.Flags().GetInt("text-limit")

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.Init(ctx, config.TracingConfig{}, version)
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	store, err := corpus.NewPostgresStore(ctx, cfg.Corpus)
	if err != nil {
		return fmt.Errorf("failed to connect to corpus database: %w", err)
	}
	defer store.Close()

	embedder, err := openai.NewClient(openai.Config{
		APIKeys:    cfg.Embedding.APIKeys,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimension:  cfg.Corpus.Dimension,
		Timeout:    cfg.Embedding.Timeout,
		MaxRetries: cfg.Embedding.MaxRetries,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create embedding client: %w", err)
	}

	reranker, err := rerank.NewClient(rerank.Config{
		APIKeys:     cfg.Rerank.APIKeys,
		Model:       cfg.Rerank.Model,
		BaseURL:     cfg.Rerank.BaseURL,
		Instruction: cfg.Rerank.Instruction,
		Timeout:     cfg.Rerank.Timeout,
		MaxRetries:  cfg.Rerank.MaxRetries,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create rerank client: %w", err)
	}

	eng := engine.New(store, embedder, reranker, cfg.Engine, nil, logger, tracer)

	out, err := eng.Search(ctx, query, count)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if len(out.Results) == 0 {
		fmt.Println("No results.")
		return nil
	}

	for i, r := range out.Results {
		title := r.Context
		if title == "" {
			title = r.URL
		}
		fmt.Printf("[%d] %s (score %.4f)\n", i+1, title, r.Score)
		fmt.Printf("    %s\n", r.URL)
		content := r.Content
		if textLimit > 0 && len(content) > textLimit {
			content = content[:textLimit] + "..."
		}
		fmt.Printf("    %s\n\n", strings.ReplaceAll(content, "\n", "\n    "))
	}

	if showURLs && len(out.AdditionalURLs) > 0 {
		fmt.Println("Additional URLs:")
		for _, u := range out.AdditionalURLs {
			fmt.Printf("  - %s\n", u)
		}
	}

	return nil
}
