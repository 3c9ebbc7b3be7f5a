package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sofatutor/vertex-proxy/internal/config"
	"github.com/sofatutor/vertex-proxy/internal/credentials"
	"github.com/sofatutor/vertex-proxy/internal/obfuscate"
	"github.com/spf13/cobra"
)

// Token command flags
var (
	tokenRaw     bool
	tokenTimeout time.Duration
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Fetch an access token with the proxy's credentials",
		Long: `Fetch an access token the same way the proxy does and print it obfuscated
together with its expiry. Use --raw to print only the full token, e.g. for curl.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), tokenTimeout)
			defer cancel()
			return runToken(ctx, cmd)
		},
	}
	cmd.Flags().BoolVar(&tokenRaw, "raw", false, "Print only the unobfuscated token")
	cmd.Flags().DurationVar(&tokenTimeout, "timeout", 30*time.Second, "Time allowed for fetching the token")
	return cmd
}

func runToken(ctx context.Context, cmd *cobra.Command) error {
	if err := loadEnvironment(map[string]string{}); err != nil {
		return err
	}
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	src, err := resolveCredentials(context.Background(), cfg)
	if err != nil {
		return err
	}
	cache := credentials.NewCache(src)

	token, err := cache.Token(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if tokenRaw {
		fmt.Fprintln(out, token)
		return nil
	}

	fmt.Fprintf(out, "Project:  %s\n", cfg.ProjectID)
	fmt.Fprintf(out, "Upstream: %s\n", cfg.BaseURL())
	fmt.Fprintf(out, "Token:    %s\n", obfuscate.Token(token))
	if expiry := cache.Expiry(); !expiry.IsZero() {
		fmt.Fprintf(out, "Expires:  %s (in %s)\n", expiry.Format(time.RFC3339), time.Until(expiry).Round(time.Second))
	} else {
		fmt.Fprintln(out, "Expires:  unknown")
	}
	return nil
}
