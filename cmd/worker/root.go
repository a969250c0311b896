package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/overseer/internal/task"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the overseer task scheduler and interaction responder",
	Long: `worker drives a single coding-agent instance: it dispatches queued tasks one at a time,
finalizes them when the agent goes idle, and answers permission and question requests.

Use --enqueue to add a task, and --once to drain the queue and exit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWorker,
}

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Poll and answer pending agent interactions without dispatching tasks",
	RunE:  runInteractions,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print task and interaction counts as JSON",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(interactionsCmd)
	rootCmd.AddCommand(statsCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file (default: environment only)")

	rootCmd.Flags().Bool("once", false, "Process tasks until the queue is idle, then exit")
	rootCmd.Flags().StringP("enqueue", "e", "", "Enqueue a task with this prompt")
	rootCmd.Flags().String("source", task.DefaultSource, "Source recorded on the enqueued task")
	rootCmd.Flags().StringP("type", "t", string(task.OmoRequestType), "Type of the enqueued task")
	rootCmd.Flags().String("session", "", "Reuse an existing agent session for the enqueued task")

	interactionsCmd.Flags().Bool("once", false, "Run a single poll and process tick, then exit")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return err
	}
	prompt, err := cmd.Flags().GetString("enqueue")
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if prompt != "" {
		if err := enqueueFromFlags(cmd, a, prompt); err != nil {
			return err
		}
		if !once {
			return nil
		}
	}

	if err := a.CheckAgent(ctx); err != nil {
		return err
	}

	ctx, cancel, err := a.StartScheduling(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if once {
		totals, err := a.worker.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("run once failed: %w", err)
		}

		return printJSON(cmd, totals)
	}

	a.worker.Run(ctx)
	return nil
}

func enqueueFromFlags(cmd *cobra.Command, a *app, prompt string) error {
	source, err := cmd.Flags().GetString("source")
	if err != nil {
		return err
	}
	taskType, err := cmd.Flags().GetString("type")
	if err != nil {
		return err
	}
	session, err := cmd.Flags().GetString("session")
	if err != nil {
		return err
	}

	var sessionID *string
	if session != "" {
		sessionID = &session
	}

	t, err := a.queue.Enqueue(cmd.Context(), prompt, source, task.TaskType(taskType), sessionID)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), t.ID)
	return err
}

func runInteractions(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.hasInteractions {
		return errors.New("interactions are disabled in config")
	}
	if err := a.CheckAgent(ctx); err != nil {
		return err
	}

	if once {
		res, err := a.worker.InteractionTick(ctx)
		if err != nil {
			return err
		}

		return printJSON(cmd, res)
	}

	ctx, cancel, err := a.HoldLease(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	ticker := time.NewTicker(a.cfg.Interactions.Interval)
	defer ticker.Stop()

	for {
		if _, err := a.worker.InteractionTick(ctx); err != nil {
			a.log.Warn("interaction_tick_failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runStats(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	tasks, err := a.store.GetStats(ctx)
	if err != nil {
		return err
	}
	interactions, err := a.store.GetInteractionStats(ctx)
	if err != nil {
		return err
	}

	return printJSON(cmd, map[string]any{
		"tasks":        tasks,
		"interactions": interactions,
	})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
