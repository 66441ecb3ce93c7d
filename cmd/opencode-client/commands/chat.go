package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/opencode-client/internal/orchestrator"
	"github.com/opencode-ai/opencode-client/internal/prompt"
)

var (
	chatModel   string
	chatAgent   string
	chatSession string
	chatFiles   []string
	chatTimeout string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Send a prompt and print the final answer",
	Long: `Send a prompt into a session and wait for the complete answer. No
incremental output; tool permissions are answered from config rules only.

Examples:
  opencode-client chat "What does this repository do?"
  opencode-client chat --timeout 5m "Summarize the open TODOs"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model to use (provider/model format)")
	chatCmd.Flags().StringVar(&chatAgent, "agent", "", "Agent to use")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session ID to continue")
	chatCmd.Flags().StringArrayVarP(&chatFiles, "file", "f", nil, "File(s) or glob(s) to attach")
	chatCmd.Flags().StringVar(&chatTimeout, "timeout", "", "Exchange timeout (e.g. 90s)")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, cfg, cancel, err := setup(ctx, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer cancel()
	if chatModel != "" {
		cfg.Model = chatModel
	}
	if chatAgent != "" {
		cfg.Agent = chatAgent
	}
	if chatTimeout != "" {
		cfg.Timeout = chatTimeout
	}

	resp, err := o.Chat(ctx, chatSession, prompt.Input{
		Text:  strings.Join(args, " "),
		Files: chatFiles,
	})
	if err != nil {
		return err
	}
	fmt.Println(resp.Text)
	return nil
}
