package cmd

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"ferry-sync/internal/appdir"
	"ferry-sync/internal/cryptostore"
	"ferry-sync/internal/events"
	"ferry-sync/internal/profile"
	"ferry-sync/internal/queue"
	"ferry-sync/internal/remote"
	"ferry-sync/internal/util"

	// Backends register themselves with the dispatcher.
	_ "ferry-sync/internal/remote/ftpx"
	_ "ferry-sync/internal/remote/s3x"
	_ "ferry-sync/internal/remote/sftpx"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var unlockFlag bool

var rootCmd = &cobra.Command{
	Use:   "ferry-sync",
	Short: "Multi-protocol file transfer engine",
	Long: `Moves files between the local filesystem and sftp, ftp, ftps, or s3
endpoints through a persistent concurrent transfer queue, with directory
compare, mirror watching, and encrypted connection profiles.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&unlockFlag, "unlock", false, "prompt for the vault passphrase before touching profiles")
}

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// maybeUnlock prompts for the master passphrase when requested; key
// derivation is CPU-bound, so it runs once up front rather than on a
// scheduler loop.
func maybeUnlock() error {
	if !unlockFlag || cryptostore.Default.Unlocked() {
		return nil
	}
	fmt.Fprint(os.Stderr, "Vault passphrase: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}
	cryptostore.Default.Set(string(pw))
	return nil
}

func profileStore() *profile.Store {
	return profile.NewStore(cryptostore.Default)
}

// resolveProfile takes a --profile value or falls back to an
// interactive picker over the saved profiles.
func resolveProfile(name string) (*profile.Profile, error) {
	if err := maybeUnlock(); err != nil {
		return nil, err
	}
	store := profileStore()
	if name != "" {
		p, err := store.GetByName(name)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		return p, nil
	}

	profiles, err := store.Load()
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no profiles saved; run 'ferry-sync profiles add' first")
	}
	if len(profiles) == 1 {
		return profiles[0], nil
	}

	items := make([]string, len(profiles))
	for i, p := range profiles {
		items[i] = fmt.Sprintf("%s (%s %s)", p.Name, p.Protocol, p.Host)
	}
	prompt := promptui.Select{Label: "Profile", Items: items}
	idx, _, err := prompt.Run()
	if err != nil {
		return nil, err
	}
	return profiles[idx], nil
}

// connect establishes the dispatcher connection for p.
func connect(ctx context.Context, p *profile.Profile) error {
	util.Default.Printf("🔗 Connecting to %s (%s)...\n", p.Name, p.Protocol)
	if err := remote.Default.Connect(ctx, p); err != nil {
		return err
	}
	util.Default.Printf("✅ Connected\n")
	return nil
}

// openQueue loads the persisted queue bound to the default dispatcher.
func openQueue() (*queue.Queue, error) {
	path, err := appdir.Path("transfers.json")
	if err != nil {
		return nil, err
	}
	return queue.New(remote.Default, path, events.GlobalBus)
}
