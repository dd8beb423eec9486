package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/driftware/chatbridge/pkg/config"
)

func init() {
	var tokenConfigPath string

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage incoming API tokens",
	}
	tokenCmd.PersistentFlags().StringVar(&tokenConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")

	var tokenTTL time.Duration
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an incoming API token and print its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(tokenConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			key, err := randomAPIKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			now := time.Now().UTC()
			tok := config.IncomingAPIToken{
				ID:        uuid.NewString(),
				Name:      strings.TrimSpace(args[0]),
				Key:       key,
				CreatedAt: now.Format(time.RFC3339),
			}
			if tokenTTL > 0 {
				tok.ExpiresAt = now.Add(tokenTTL).Format(time.RFC3339)
			}
			cfg.IncomingTokens = append(cfg.IncomingTokens, tok)
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(tokenConfigPath, cfg); err != nil {
				return fmt.Errorf("save server config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added token %q (id=%s)\nKey: %s\n", tok.Name, tok.ID, key)
			return nil
		},
	}
	addCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Optional expiry duration (0 means no expiry)")
	tokenCmd.AddCommand(addCmd)

	tokenCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List incoming API tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(tokenConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, t := range cfg.IncomingTokens {
				expires := t.ExpiresAt
				if expires == "" {
					expires = "never"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\texpires: %s\n", t.ID, t.Name, redactKey(t.Key), expires)
			}
			return nil
		},
	})

	tokenCmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an incoming API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(tokenConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			kept := cfg.IncomingTokens[:0]
			removed := false
			for _, t := range cfg.IncomingTokens {
				if t.ID == args[0] {
					removed = true
					continue
				}
				kept = append(kept, t)
			}
			if !removed {
				return fmt.Errorf("no token with id %q", args[0])
			}
			cfg.IncomingTokens = kept
			if err := config.Save(tokenConfigPath, cfg); err != nil {
				return fmt.Errorf("save server config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Removed.")
			return nil
		},
	})

	rootCmd.AddCommand(tokenCmd)
}

func randomAPIKey() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "cb_" + base64.RawURLEncoding.EncodeToString(b[:]), nil
}

func redactKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 6 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + strings.Repeat("*", 6)
}
