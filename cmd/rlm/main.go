// Command rlm is a thin demonstration CLI over the orchestrator library.
// It is not the governance/evidence CLI spec.md §1 names out of scope;
// it exists only to exercise orchestrator.Run end to end, the way the
// teacher's cmd/nerd/main.go wires cobra as the outer shell around an
// otherwise fully library-shaped core.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"rlmkernel/internal/config"
	"rlmkernel/internal/costs"
	"rlmkernel/internal/interpreter"
	"rlmkernel/internal/llm"
	"rlmkernel/internal/logging"
	"rlmkernel/internal/memory"
	"rlmkernel/internal/orchestrator"
	"rlmkernel/internal/sessionctx"
	"rlmkernel/internal/signature"
	"rlmkernel/internal/trajectory"
)

var (
	flagConfigPath string
	flagWorkspace  string
	flagMode       string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rlm",
		Short: "Recursive-language-model orchestrator demonstration CLI",
	}
	root.PersistentFlags().StringVar(&flagConfigPath, "config", ".rlm/config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&flagWorkspace, "workspace", ".", "workspace root for logs and memory")
	root.AddCommand(newQueryCmd())
	root.AddCommand(newMemoryStatsCmd())
	return root
}

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Run a query through the orchestrator and print the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), args[0])
		},
	}
	cmd.Flags().StringVar(&flagMode, "mode", "", "force an execution mode (micro|fast|balanced|thorough)")
	return cmd
}

func newMemoryStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "memory-stats",
		Short: "Print hypergraph memory store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}
			store, err := memory.Open(cfg.Memory.DatabasePath, nil)
			if err != nil {
				return err
			}
			defer store.Close()
			stats, err := store.GetStats()
			if err != nil {
				return err
			}
			fmt.Println(renderStats(stats))
			return nil
		},
	}
}

func runQuery(ctx context.Context, text string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Initialize(flagWorkspace); err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging init: %v\n", err)
	}
	_ = logging.InitAudit(flagWorkspace, cfg.Logging.Level == "debug")

	client, err := llm.NewGenAIClient(ctx, cfg.LLM.APIKey, cfg.Router.BatchParallel)
	if err != nil {
		return fmt.Errorf("build LLM client: %w", err)
	}
	router := llm.NewRouter(cfg.Router)

	rootSig := signature.Signature{
		Instructions: "Answer the user's query directly and accurately.",
		Inputs: []signature.FieldSpec{
			{Name: "query", Type: signature.String(), Required: true, Description: "the user's question"},
		},
		Outputs: []signature.FieldSpec{
			{Name: "answer", Type: signature.String(), Required: true, Description: "the final answer"},
		},
	}

	pool := interpreter.NewPool(cfg.Interpreter)
	defer pool.Close(ctx)

	orch, err := orchestrator.New(cfg, router, client, rootSig, orchestrator.WithInterpreterPool(pool))
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	store, err := memory.Open(cfg.Memory.DatabasePath, nil)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	sessCtx := sessionctx.New()
	sessCtx.AppendMessage(sessionctx.RoleUser, text, time.Now())

	q := orchestrator.Query{Text: text, Depth: 0}
	if flagMode != "" {
		q.Mode = config.Mode(flagMode)
	}

	tracker := costs.NewTracker()
	trace := trajectory.NewSink()

	result, err := orch.Run(ctx, q, orchestrator.RunOptions{
		Tracker:    tracker,
		Trace:      trace,
		SessionCtx: sessCtx,
		Memory:     store,
	})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	fmt.Println(renderAnswer(result))
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// renderAnswer renders the final answer as markdown via glamour, with a
// lipgloss cost/trajectory summary underneath, matching the teacher's
// layering of glamour (content) under lipgloss (chrome) in cmd/nerd's
// chat view.
func renderAnswer(result orchestrator.Result) string {
	answer, _ := result.Outputs["answer"].(string)
	rendered, err := glamour.Render(answer, "dark")
	if err != nil {
		rendered = answer
	}

	summary := fmt.Sprintf("trajectory=%s cost=$%.4f partial=%v", result.TrajectoryID, result.CostUSD, result.Partial)
	return rendered + "\n" + dimStyle.Render(summary)
}

func renderStats(stats memory.Stats) string {
	lines := []string{
		headerStyle.Render("memory store"),
		fmt.Sprintf("nodes=%d edges=%d vector_ext=%v", stats.NodeCount, stats.EdgeCount, stats.VectorExt),
	}
	for tier, count := range stats.ByTier {
		lines = append(lines, fmt.Sprintf("  tier %-10s %d", tier, count))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
