package cmd

import (
	"fmt"

	"ferry-sync/internal/queue"
	"ferry-sync/internal/util"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the persisted transfer queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		tasks := q.Snapshot()
		if len(tasks) == 0 {
			util.Default.Println("Queue is empty.")
			return nil
		}
		for _, t := range tasks {
			dir := "↓"
			if t.Direction == queue.DirectionUpload {
				dir = "↑"
			}
			line := fmt.Sprintf("%s %-12s %5.1f%%  %s", dir, t.Status, t.Progress, t.Name)
			if t.Error != "" {
				line += "  (" + t.Error + ")"
			}
			util.Default.Printf("%s  [%s]\n", line, t.ID)
		}
		return nil
	},
}

var queueRetryAllFlag bool

var queueRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Re-queue failed, cancelled, or interrupted transfers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		if queueRetryAllFlag {
			q.RetryAll()
			util.Default.Println("✅ Re-queued all retryable transfers")
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("give a task id or --all")
		}
		if err := q.Retry(args[0]); err != nil {
			return err
		}
		util.Default.Printf("✅ Re-queued %s\n", args[0])
		return nil
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		if err := q.Cancel(args[0]); err != nil {
			return err
		}
		util.Default.Printf("⏹ Cancelled %s\n", args[0])
		return nil
	},
}

func init() {
	queueRetryCmd.Flags().BoolVar(&queueRetryAllFlag, "all", false, "retry everything retryable")
	queueCmd.AddCommand(queueRetryCmd, queueCancelCmd)
	rootCmd.AddCommand(queueCmd)
}
