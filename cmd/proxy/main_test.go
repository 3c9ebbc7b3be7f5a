package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sofatutor/vertex-proxy/internal/config"
	"github.com/sofatutor/vertex-proxy/internal/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	token     string
	projectID string
	err       error
}

func (f *fakeSource) Token(ctx context.Context) (credentials.Token, error) {
	if f.err != nil {
		return credentials.Token{}, f.err
	}
	return credentials.Token{AccessToken: f.token, Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeSource) ProjectID() string { return f.projectID }

var cmdEnvKeys = []string{
	"ENV_FILE", "CONFIG_FILE", "PROJECT_ID", "LOCATION", "UPSTREAM_BASE_URL", "CREDENTIALS_FILE",
	"PORT", "LISTEN_ADDR", "SHUTDOWN_TIMEOUT", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
	"ENABLE_METRICS", "METRICS_PATH", "EVENT_BUS", "DEBUG",
	"REDIS_ADDR", "REDIS_DB", "REDIS_STREAM_KEY", "REDIS_STREAM_MAXLEN",
}

// isolate clears the environment the commands read and swaps in src as the
// credential source. Everything is restored when the test ends.
func isolate(t *testing.T, src credentialSource, srcErr error) {
	t.Helper()
	for _, k := range cmdEnvKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	orig := newCredentialSource
	newCredentialSource = func(ctx context.Context, credentialsFile string) (credentialSource, error) {
		if srcErr != nil {
			return nil, srcErr
		}
		return src, nil
	}
	t.Cleanup(func() { newCredentialSource = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestTokenCmd_PrintsObfuscatedToken(t *testing.T) {
	isolate(t, &fakeSource{token: "ya29.abcdefghijklmnop", projectID: "adc-project"}, nil)

	out, err := execute(t, "token", "--env", missingEnvFile(t))
	require.NoError(t, err)

	assert.Contains(t, out, "Project:  adc-project")
	assert.Contains(t, out, "ya29.abc...mnop")
	assert.Contains(t, out, "Expires:")
	assert.Contains(t, out, "aiplatform.googleapis.com/v1beta1/projects/adc-project/locations/us-central1")
	assert.NotContains(t, out, "ya29.abcdefghijklmnop")
}

func TestTokenCmd_Raw(t *testing.T) {
	isolate(t, &fakeSource{token: "ya29.full-token", projectID: "p"}, nil)

	out, err := execute(t, "token", "--raw", "--env", missingEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "ya29.full-token\n", out)
}

func TestTokenCmd_EnvFile(t *testing.T) {
	isolate(t, &fakeSource{token: "ya29.abcdefghijklmnop", projectID: "adc-project"}, nil)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PROJECT_ID=from-env-file\nLOCATION=europe-west1\n"), 0o600))

	out, err := execute(t, "token", "--env", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Project:  from-env-file")
	assert.Contains(t, out, "europe-west1-aiplatform.googleapis.com")
}

func TestTokenCmd_ProjectRequired(t *testing.T) {
	isolate(t, &fakeSource{token: "tok"}, nil)

	_, err := execute(t, "token", "--env", missingEnvFile(t))
	assert.ErrorIs(t, err, config.ErrProjectIDRequired)
}

func TestTokenCmd_CredentialErrors(t *testing.T) {
	t.Run("source construction", func(t *testing.T) {
		isolate(t, nil, &credentials.CredentialError{Err: errors.New("could not find default credentials")})
		_, err := execute(t, "token", "--env", missingEnvFile(t))
		var credErr *credentials.CredentialError
		assert.ErrorAs(t, err, &credErr)
	})

	t.Run("token fetch", func(t *testing.T) {
		isolate(t, &fakeSource{projectID: "p", err: errors.New("invalid_grant")}, nil)
		_, err := execute(t, "token", "--env", missingEnvFile(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid_grant")
	})
}

func TestLoadEnvironment_OverridesAndConfigFile(t *testing.T) {
	isolate(t, nil, nil)
	envFile = missingEnvFile(t)
	configFile = "/etc/vertex-proxy.yaml"
	t.Cleanup(func() { envFile, configFile = ".env", "" })

	require.NoError(t, loadEnvironment(map[string]string{"PROJECT_ID": "flag-project", "LOCATION": ""}))

	assert.Equal(t, "flag-project", os.Getenv("PROJECT_ID"))
	assert.Equal(t, "/etc/vertex-proxy.yaml", os.Getenv("CONFIG_FILE"))
	_, set := os.LookupEnv("LOCATION")
	assert.False(t, set, "empty overrides are skipped")
}

func TestLoadEnvironment_ExistingEnvWinsOverEnvFile(t *testing.T) {
	isolate(t, nil, nil)
	t.Setenv("PROJECT_ID", "from-env")
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PROJECT_ID=from-file\n"), 0o600))
	envFile = path
	t.Cleanup(func() { envFile = ".env" })

	require.NoError(t, loadEnvironment(map[string]string{}))
	assert.Equal(t, "from-env", os.Getenv("PROJECT_ID"))
}
