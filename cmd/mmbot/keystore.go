package main

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/gregtusar/mmbot/internal/config"
	"github.com/gregtusar/mmbot/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newKeystoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keystore",
		Short: "Manage the encrypted exchange credential file",
		Long: `The keystore holds exchange API keys encrypted with MASTER_PASSWORD.
Its location is KEYSTORE_PATH (default .keystore).`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Copy exchange credentials from the environment into the keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ks, err := openKeystore()
			if err != nil {
				return err
			}
			migrated, err := ks.Migrate(cfg.VenueCredentials())
			if err != nil {
				return err
			}
			if len(migrated) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No credentials found in the environment")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s to %s\n", strings.Join(migrated, ", "), ks.Path())
			fmt.Fprintln(cmd.OutOrStdout(), "Remove the plaintext keys from .env once the keystore is verified")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored exchanges and field names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ks, err := openKeystore()
			if err != nil {
				return err
			}
			all, err := ks.LoadAll()
			if err != nil {
				return err
			}
			exchanges := make([]string, 0, len(all))
			for exchange := range all {
				exchanges = append(exchanges, exchange)
			}
			sort.Strings(exchanges)
			for _, exchange := range exchanges {
				fields := make([]string, 0, len(all[exchange]))
				for field := range all[exchange] {
					fields = append(fields, field)
				}
				sort.Strings(fields)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", exchange, strings.Join(fields, ", "))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <exchange>",
		Short: "Remove one exchange's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ks, err := openKeystore()
			if err != nil {
				return err
			}
			deleted, err := ks.Delete(args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("no credentials stored for %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func openKeystore() (*config.Config, *secrets.Keystore, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	cfg, err := config.Load(cfgFile, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	ks, err := cfg.OpenKeystore(newLogger(cfg.Logging))
	if err != nil {
		return nil, nil, fmt.Errorf("set MASTER_PASSWORD to use the keystore: %w", err)
	}
	return cfg, ks, nil
}
