package cmd

import (
	"ferry-sync/internal/remote"
	"ferry-sync/internal/syncdiff"
	"ferry-sync/internal/util"

	"github.com/spf13/cobra"
)

var syncProfileFlag string

var syncCmd = &cobra.Command{
	Use:   "sync <local-dir> <remote-dir>",
	Short: "Compare the first-level children of a local and a remote directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := resolveProfile(syncProfileFlag)
		if err != nil {
			return err
		}
		if err := connect(ctx, p); err != nil {
			return err
		}
		defer remote.Default.Disconnect()

		diffs, err := syncdiff.Compare(ctx, remote.Default, args[0], args[1])
		if err != nil {
			return err
		}
		if len(diffs) == 0 {
			util.Default.Println("Both sides are empty.")
			return nil
		}

		icons := map[syncdiff.Status]string{
			syncdiff.StatusSame:        "=",
			syncdiff.StatusOnlyLocal:   "→",
			syncdiff.StatusOnlyRemote:  "←",
			syncdiff.StatusNewerLocal:  "↑",
			syncdiff.StatusNewerRemote: "↓",
		}
		for _, d := range diffs {
			util.Default.Printf("%s %-30s %s\n", icons[d.Status], d.Name, d.Status)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVarP(&syncProfileFlag, "profile", "p", "", "profile name")
	rootCmd.AddCommand(syncCmd)
}
