package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ferry-sync/internal/events"
	"ferry-sync/internal/queue"
	"ferry-sync/internal/remote"
	"ferry-sync/internal/util"

	"github.com/spf13/cobra"
)

var transferProfileFlag string

var uploadCmd = &cobra.Command{
	Use:   "upload <local> <remote>",
	Short: "Queue an upload and wait for it to finish",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, queue.DirectionUpload, args[0], args[1])
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <remote> <local>",
	Short: "Queue a download and wait for it to finish",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, queue.DirectionDownload, args[1], args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{uploadCmd, downloadCmd} {
		c.Flags().StringVarP(&transferProfileFlag, "profile", "p", "", "profile name")
	}
	rootCmd.AddCommand(uploadCmd, downloadCmd)
}

func runTransfer(cmd *cobra.Command, dir queue.Direction, localPath, remotePath string) error {
	ctx := cmd.Context()
	p, err := resolveProfile(transferProfileFlag)
	if err != nil {
		return err
	}
	if err := connect(ctx, p); err != nil {
		return err
	}
	defer remote.Default.Disconnect()

	q, err := openQueue()
	if err != nil {
		return err
	}
	q.Start()
	defer q.Stop()

	spec := queue.Spec{
		Direction:  dir,
		LocalPath:  localPath,
		RemotePath: remotePath,
		Name:       filepath.Base(localPath),
	}
	if dir == queue.DirectionUpload {
		if fi, err := os.Stat(localPath); err == nil && !fi.IsDir() {
			spec.Total = fi.Size()
		}
	}
	task := q.Add(spec)

	// Render queue snapshots as a single transient status line.
	events.GlobalBus.Subscribe(events.EventQueueUpdated, func(snapshot []queue.Task) {
		for _, t := range snapshot {
			if t.ID != task.ID {
				continue
			}
			if t.Status == queue.StatusActive {
				util.Default.Status("⏳ %s  %5.1f%%  %s/s", t.Name, t.Progress, humanBytes(t.Speed))
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			q.Cancel(task.ID)
			util.Default.EndStatus()
			util.Default.Println("⏹ Cancelled")
			return nil
		case <-time.After(100 * time.Millisecond):
		}
		var done *queue.Task
		for _, t := range q.Snapshot() {
			if t.ID == task.ID && t.Status.Terminal() {
				copied := t
				done = &copied
				break
			}
		}
		if done == nil {
			continue
		}
		util.Default.EndStatus()
		switch done.Status {
		case queue.StatusCompleted:
			util.Default.Printf("✅ %s complete (%d bytes)\n", done.Name, done.Transferred)
		case queue.StatusFailed:
			util.Default.Printf("❌ %s failed: %s\n", done.Name, done.Error)
		case queue.StatusCancelled:
			util.Default.Printf("⏹ %s cancelled\n", done.Name)
		}
		return nil
	}
}

func humanBytes(v float64) string {
	switch {
	case v >= 1<<30:
		return formatScaled(v, 1<<30, "GiB")
	case v >= 1<<20:
		return formatScaled(v, 1<<20, "MiB")
	case v >= 1<<10:
		return formatScaled(v, 1<<10, "KiB")
	default:
		return formatScaled(v, 1, "B")
	}
}

func formatScaled(v, unit float64, suffix string) string {
	return fmt.Sprintf("%.1f %s", v/unit, suffix)
}
