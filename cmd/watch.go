package cmd

import (
	"fmt"

	"ferry-sync/internal/appdir"
	"ferry-sync/internal/config"
	"ferry-sync/internal/events"
	"ferry-sync/internal/remote"
	"ferry-sync/internal/util"
	"ferry-sync/internal/watcher"

	"github.com/spf13/cobra"
)

var (
	watchProfileFlag string
	watchRemoteFlag  string
)

var watchCmd = &cobra.Command{
	Use:   "watch [local-dir]",
	Short: "Mirror local changes to the remote as upload tasks",
	Long: `Watches one or more local directories and enqueues an upload whenever a
file settles after a change. With no arguments the watch roots come
from ferry-sync.yaml in the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		type watchSpec struct{ local, remote string }
		var specs []watchSpec
		profileName := watchProfileFlag

		if len(args) == 1 {
			if watchRemoteFlag == "" {
				return fmt.Errorf("--remote is required when a local dir is given")
			}
			specs = append(specs, watchSpec{args[0], watchRemoteFlag})
		} else {
			if !config.LocalConfigExists() {
				return fmt.Errorf("no %s here and no local dir given", config.LocalConfigFileName)
			}
			cfg, err := config.LoadLocalConfig()
			if err != nil {
				return err
			}
			if profileName == "" {
				profileName = cfg.Profile
			}
			for _, w := range cfg.Watches {
				specs = append(specs, watchSpec{w.LocalPath, w.RemotePath})
			}
		}
		if len(specs) == 0 {
			return fmt.Errorf("nothing to watch")
		}

		p, err := resolveProfile(profileName)
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

		cachePath, err := appdir.Path("watch_cache.db")
		if err != nil {
			return err
		}
		cache, err := watcher.NewFileCache(cachePath)
		if err != nil {
			return err
		}

		mgr := watcher.NewManager(q, cache, events.GlobalBus)
		defer mgr.StopAll()
		for _, s := range specs {
			if err := mgr.Start(s.local, s.remote); err != nil {
				return err
			}
			util.Default.Printf("🔍 Watching %s → %s\n", s.local, s.remote)
		}

		<-ctx.Done()
		util.Default.Println("⏹ Stopping watchers")
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchProfileFlag, "profile", "p", "", "profile name")
	watchCmd.Flags().StringVarP(&watchRemoteFlag, "remote", "r", "", "remote root to mirror into")
	rootCmd.AddCommand(watchCmd)
}
