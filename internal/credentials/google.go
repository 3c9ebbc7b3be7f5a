package credentials

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CloudPlatformScope is the OAuth scope required by the Vertex AI endpoints.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// GoogleSource mints access tokens from Google Application Default
// Credentials or from an explicit service account key file.
type GoogleSource struct {
	ts        oauth2.TokenSource
	projectID string
}

// NewGoogleSource resolves credentials once. ctx is retained by the
// underlying token source for its HTTP calls, so it should outlive the
// process' requests (typically context.Background()).
//
// The token source is built with EarlyTokenRefresh set to RefreshSkew so
// that a refresh requested by the Cache mints a new token instead of
// returning the one about to expire.
func NewGoogleSource(ctx context.Context, credentialsFile string) (*GoogleSource, error) {
	params := google.CredentialsParams{
		Scopes:            []string{CloudPlatformScope},
		EarlyTokenRefresh: RefreshSkew,
	}

	var (
		creds *google.Credentials
		err   error
	)
	if credentialsFile != "" {
		data, readErr := os.ReadFile(credentialsFile)
		if readErr != nil {
			return nil, &CredentialError{Err: fmt.Errorf("read credentials file: %w", readErr)}
		}
		creds, err = google.CredentialsFromJSONWithParams(ctx, data, params)
	} else {
		creds, err = google.FindDefaultCredentialsWithParams(ctx, params)
	}
	if err != nil {
		return nil, &CredentialError{Err: fmt.Errorf("load google credentials: %w", err)}
	}

	return NewTokenSource(creds.TokenSource, creds.ProjectID), nil
}

// NewTokenSource wraps an existing oauth2.TokenSource.
func NewTokenSource(ts oauth2.TokenSource, projectID string) *GoogleSource {
	return &GoogleSource{ts: ts, projectID: projectID}
}

// ProjectID returns the project detected alongside the credentials, if any.
func (s *GoogleSource) ProjectID() string { return s.projectID }

// Token implements Source.
func (s *GoogleSource) Token(ctx context.Context) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, &CredentialError{Err: err}
	}
	tok, err := s.ts.Token()
	if err != nil {
		return Token{}, &CredentialError{Err: fmt.Errorf("fetch google access token: %w", err)}
	}
	return Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry}, nil
}
