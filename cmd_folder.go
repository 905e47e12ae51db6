package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"vaultsync/config"
	"vaultsync/crypto"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "create and derive folder secrets",
}

var secretGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "print a new owner secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := crypto.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret.String())
		return nil
	},
}

var secretDeriveCmd = &cobra.Command{
	Use:   "derive <secret>",
	Short: "print the read-only secret of an owner secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := crypto.ParseSecret(args[0])
		if err != nil {
			return err
		}
		derived, err := secret.Derive(crypto.LevelReadOnly)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), derived.String())
		return nil
	},
}

var (
	folderSecret string
	folderRoot   string
)

var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "manage synchronized folders",
}

var folderAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "register a folder; a new owner secret is generated when --secret is empty",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		if _, ok := cfg.FindFolder(args[0]); ok {
			return fmt.Errorf("folder %q already exists", args[0])
		}

		var secret crypto.Secret
		if folderSecret == "" {
			secret, err = crypto.GenerateSecret()
		} else {
			secret, err = crypto.ParseSecret(folderSecret)
		}
		if err != nil {
			return err
		}

		root := folderRoot
		if root != "" {
			if root, err = filepath.Abs(root); err != nil {
				return err
			}
		}
		if !cfg.AddFolder(config.FolderConfig{Name: args[0], Secret: secret.String(), Root: root}) {
			return errors.New("a folder with this secret is already registered")
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}

		identity, err := secret.Identity()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s, level %c)\n", args[0], identity.IDHex(), secret.Level())
		return nil
	},
}

var folderListCmd = &cobra.Command{
	Use:   "list",
	Short: "list registered folders",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		for _, f := range cfg.Folders {
			secret, err := crypto.ParseSecret(f.Secret)
			if err != nil {
				return fmt.Errorf("folder %q: %w", f.Name, err)
			}
			identity, err := secret.Identity()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s %c %s\n", f.Name, identity.IDHex()[:16], secret.Level(), f.Root)
		}
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretGenerateCmd, secretDeriveCmd)

	folderAddCmd.Flags().StringVar(&folderSecret, "secret", "", "existing owner or read-only secret")
	folderAddCmd.Flags().StringVar(&folderRoot, "root", "", "local directory indexed by the index command")
	folderCmd.AddCommand(folderAddCmd, folderListCmd)
}
