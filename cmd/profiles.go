package cmd

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"ferry-sync/internal/profile"
	"ferry-sync/internal/util"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage connection profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := maybeUnlock(); err != nil {
			return err
		}
		profiles, err := profileStore().Load()
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			util.Default.Println("No profiles saved.")
			return nil
		}
		for _, p := range profiles {
			marker := " "
			if p.Favorite {
				marker = "★"
			}
			target := p.Host
			if p.Protocol == profile.ProtocolS3 {
				target = p.Bucket
			}
			util.Default.Printf("%s %-20s %-5s %s\n", marker, p.Name, p.Protocol, target)
		}
		return nil
	},
}

var profilesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Interactively add a profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := maybeUnlock(); err != nil {
			return err
		}
		p, err := promptProfile()
		if err != nil {
			return err
		}
		if err := profileStore().Save(p); err != nil {
			return err
		}
		util.Default.Printf("✅ Saved profile %s (%s)\n", p.Name, p.ID)
		return nil
	},
}

var profilesDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a profile by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := profileStore()
		p, err := store.GetByName(args[0])
		if err != nil {
			return err
		}
		if err := store.Delete(p.ID); err != nil {
			return err
		}
		util.Default.Printf("🗑  Deleted profile %s\n", p.Name)
		return nil
	},
}

func init() {
	profilesCmd.AddCommand(profilesListCmd, profilesAddCmd, profilesDeleteCmd)
	rootCmd.AddCommand(profilesCmd)
}

func promptProfile() (*profile.Profile, error) {
	protoPrompt := promptui.Select{
		Label: "Protocol",
		Items: []string{"sftp", "ftp", "ftps", "s3"},
	}
	_, proto, err := protoPrompt.Run()
	if err != nil {
		return nil, err
	}

	p := &profile.Profile{Protocol: profile.Protocol(proto)}
	if p.Name, err = promptText("Name", true); err != nil {
		return nil, err
	}

	if p.Protocol == profile.ProtocolS3 {
		if p.Bucket, err = promptText("Bucket", true); err != nil {
			return nil, err
		}
		if p.Region, err = promptText("Region", false); err != nil {
			return nil, err
		}
		if p.Endpoint, err = promptText("Endpoint override (blank for AWS)", false); err != nil {
			return nil, err
		}
		if p.AccessKeyID, err = promptText("Access key id", true); err != nil {
			return nil, err
		}
		if p.SecretAccessKey, err = promptSecret("Secret access key"); err != nil {
			return nil, err
		}
		return p, nil
	}

	if p.Host, err = promptText("Host", true); err != nil {
		return nil, err
	}
	portStr, err := promptText(fmt.Sprintf("Port (blank for %d)", p.DefaultPort()), false)
	if err != nil {
		return nil, err
	}
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", portStr)
		}
		p.Port = port
	}
	if p.Username, err = promptText("Username", true); err != nil {
		return nil, err
	}

	authPrompt := promptui.Select{Label: "Authentication", Items: []string{"password", "key", "agent"}}
	_, auth, err := authPrompt.Run()
	if err != nil {
		return nil, err
	}
	p.AuthMethod = profile.AuthMethod(auth)
	switch p.AuthMethod {
	case profile.AuthPassword:
		if p.Password, err = promptSecret("Password"); err != nil {
			return nil, err
		}
	case profile.AuthKey:
		if p.PrivateKey, err = promptText("Private key path", true); err != nil {
			return nil, err
		}
		if p.Passphrase, err = promptSecret("Key passphrase (blank for none)"); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func promptText(label string, required bool) (string, error) {
	prompt := promptui.Prompt{Label: label}
	if required {
		prompt.Validate = func(s string) error {
			if s == "" {
				return fmt.Errorf("%s is required", label)
			}
			return nil
		}
	}
	return prompt.Run()
}

func promptSecret(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
