package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/opencode-client/internal/chat"
	"github.com/opencode-ai/opencode-client/internal/orchestrator"
	"github.com/opencode-ai/opencode-client/internal/prompt"
)

var (
	batchConcurrency int
	batchFailFast    bool
	batchJSON        bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Run every prompt in a file as its own exchange",
	Long: `Read prompts from a file (one per line, blank lines and # comments
skipped) and run each as an independent single-shot exchange in a fresh
session. Results print in input order regardless of completion order.

Examples:
  opencode-client batch prompts.txt
  opencode-client batch --concurrency 4 --fail-fast prompts.txt
  opencode-client batch --json prompts.txt > results.json`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", chat.DefaultConcurrency, "Max in-flight exchanges")
	batchCmd.Flags().BoolVar(&batchFailFast, "fail-fast", false, "Stop scheduling after the first failure")
	batchCmd.Flags().BoolVar(&batchJSON, "json", false, "Print results as JSON")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompts, err := readPrompts(args[0])
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		return fmt.Errorf("%s contains no prompts", args[0])
	}

	o, _, cancel, err := setup(ctx, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer cancel()

	inputs := make([]prompt.Input, len(prompts))
	for i, text := range prompts {
		inputs[i] = prompt.Input{Text: text}
	}

	results, err := o.Batch(ctx, inputs, chat.BatchConfig{
		Concurrency: batchConcurrency,
		FailFast:    batchFailFast,
	})
	if err != nil {
		var batchErr *chat.BatchError
		if errors.As(err, &batchErr) {
			printResults(prompts, batchErr.PartialResults)
			return fmt.Errorf("batch stopped after %d request(s): %w", batchErr.CompletedCount, batchErr.Err)
		}
		return err
	}

	printResults(prompts, results)
	return nil
}

func readPrompts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var prompts []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	return prompts, scanner.Err()
}

func printResults(prompts []string, results []chat.BatchResult) {
	if batchJSON {
		type row struct {
			Index  int    `json:"index"`
			Prompt string `json:"prompt"`
			Text   string `json:"text,omitempty"`
			Error  string `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(results))
		for _, r := range results {
			item := row{Index: r.Index, Prompt: prompts[r.Index]}
			if r.Err != nil {
				item.Error = r.Err.Error()
			} else if r.Response != nil {
				item.Text = r.Response.Text
			}
			rows = append(rows, item)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rows)
		return
	}

	for _, r := range results {
		fmt.Printf("--- [%d] %s\n", r.Index+1, prompts[r.Index])
		if r.Err != nil {
			fmt.Printf("error: %v\n", r.Err)
		} else if r.Response != nil {
			fmt.Println(r.Response.Text)
		}
	}
}
