package credentials

// CredentialError reports that no bearer token could be obtained from the
// credential source (misconfigured identity, metadata server unreachable,
// revoked key, ...).
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return "credential error: " + e.Err.Error()
}

func (e *CredentialError) Unwrap() error { return e.Err }
