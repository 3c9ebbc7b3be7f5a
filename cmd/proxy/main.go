// Command vertex-proxy runs an authenticating reverse proxy in front of the
// Vertex AI OpenAI-compatible endpoints.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sofatutor/vertex-proxy/internal/config"
	"github.com/sofatutor/vertex-proxy/internal/credentials"
	"github.com/spf13/cobra"
)

// For testing
var (
	osExit = os.Exit

	newCredentialSource = func(ctx context.Context, credentialsFile string) (credentialSource, error) {
		return credentials.NewGoogleSource(ctx, credentialsFile)
	}
)

// credentialSource is a token source that may also know its project.
type credentialSource interface {
	credentials.Source
	ProjectID() string
}

// Flags shared by every subcommand
var (
	envFile    string
	configFile string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vertex-proxy",
		Short:         "Authenticating reverse proxy for Vertex AI",
		Long:          `Forwards OpenAI-style chat, completion and embedding requests to Vertex AI using Google Application Default Credentials.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env", config.EnvOrDefault("ENV_FILE", ".env"), "Path to .env file")
	root.PersistentFlags().StringVarP(&configFile, "config", "c", config.EnvOrDefault("CONFIG_FILE", ""), "Path to YAML config file (overrides CONFIG_FILE env var)")

	root.AddCommand(newServerCmd(), newTokenCmd(), newEventsCmd())
	return root
}

// loadEnvironment loads the .env file if present and applies flag overrides
// to the environment before the configuration is read. Variables already
// set in the environment win over the .env file.
func loadEnvironment(overrides map[string]string) error {
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if configFile != "" {
		overrides["CONFIG_FILE"] = configFile
	}
	for key, value := range overrides {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// resolveCredentials builds the credential source and fills in the project
// ID from it when none is configured.
func resolveCredentials(ctx context.Context, cfg *config.Config) (credentialSource, error) {
	src, err := newCredentialSource(ctx, cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ResolveProject(src.ProjectID()); err != nil {
		return nil, err
	}
	return src, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}
