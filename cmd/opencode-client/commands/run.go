package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/opencode-client/internal/orchestrator"
	"github.com/opencode-ai/opencode-client/internal/permission"
	"github.com/opencode-ai/opencode-client/internal/prompt"
	"github.com/opencode-ai/opencode-client/internal/stream"
	"github.com/opencode-ai/opencode-client/pkg/types"
)

var (
	runModel       string
	runAgent       string
	runSession     string
	runFiles       []string
	runImages      []string
	runAutoApprove bool
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Send a prompt and stream the response",
	Long: `Send a prompt into a session and stream the assistant's response as it
is produced, including tool-call progress and permission prompts.

Examples:
  opencode-client run "Fix the bug in main.go"
  opencode-client run --model anthropic/claude-sonnet-4 "Explain this code"
  opencode-client run --file "internal/**/*.go" "Review these files"
  opencode-client run --session ses_abc123 "Continue from before"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStreaming,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model format)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent to use")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID to continue")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) or glob(s) to attach")
	runCmd.Flags().StringArrayVar(&runImages, "image", nil, "Image file(s) to attach")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "Approve every tool permission")
}

func runStreaming(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := orchestrator.Options{}
	if runAutoApprove {
		opts.Arbiter = permission.NewArbiter(permission.Config{Strategy: permission.StrategyAutoApprove})
	} else {
		// Config rules still apply; the terminal prompt only sees requests
		// no rule matched.
		opts.PermissionCallback = promptOnTerminal()
	}

	o, cfg, cancel, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer cancel()
	if runModel != "" {
		cfg.Model = runModel
	}
	if runAgent != "" {
		cfg.Agent = runAgent
	}

	done := make(chan error, 1)
	handle, err := o.Stream(ctx, runSession, prompt.Input{
		Text:   strings.Join(args, " "),
		Files:  runFiles,
		Images: runImages,
	}, stream.Callbacks{
		OnData: func(e stream.DataEvent) {
			fmt.Print(e.Text)
		},
		OnToolCall: func(tc stream.ToolCallInfo) {
			fmt.Fprintf(os.Stderr, "\n[tool %s: %s]\n", tc.Name, tc.Status)
		},
		OnDone: func(msg *types.MessageWithParts) {
			fmt.Println()
			done <- nil
		},
		OnError: func(err error) {
			done <- err
		},
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		handle.Abort()
		fmt.Fprintln(os.Stderr, "\naborted")
		return nil
	}
}

// promptOnTerminal asks on stderr/stdin for each request that reached the
// callback fallback. Rejecting is the default answer.
func promptOnTerminal() permission.Callback {
	var mu sync.Mutex
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, req permission.Request) (permission.Decision, error) {
		mu.Lock()
		defer mu.Unlock()
		title := req.Title
		if title == "" {
			title = req.ToolName
		}
		fmt.Fprintf(os.Stderr, "\nPermission requested: %s\nAllow? [y]es / [a]lways / [N]o: ", title)
		line, err := reader.ReadString('\n')
		if err != nil {
			return permission.Immediate(permission.ActionReject), nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return permission.Immediate(permission.ActionOnce), nil
		case "a", "always":
			return permission.Immediate(permission.ActionAlways), nil
		default:
			return permission.Immediate(permission.ActionReject), nil
		}
	}
}
