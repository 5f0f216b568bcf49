package kraken

import "errors"

var (
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("kraken: missing api key")
	// ErrAuthFailed is returned when token acquisition fails.
	ErrAuthFailed = errors.New("kraken: authentication failed")
	// ErrAccountNotFound is returned when the API knows no such account.
	ErrAccountNotFound = errors.New("kraken: account not found")
	// ErrNoActiveMeter is returned when the account has no active water meter.
	ErrNoActiveMeter = errors.New("kraken: no active water meter")
	// ErrMissingIdentifiers is returned when meter identifiers could not
	// be discovered.
	ErrMissingIdentifiers = errors.New("kraken: missing meter identifiers")
)
