// Package config loads the gateway's environment configuration and its
// YAML-based operational tuning knobs: load, then validate.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Env holds the required and optional process environment per spec §6.
type Env struct {
	AppKey    string
	AppSecret string
	AccountNo string
	Env       string // "mock" or "live"

	WSSymbols  []string
	WSURLMock  string
	WSURLLive  string
}

// LoadEnv reads and validates the required KIS_* environment variables.
func LoadEnv() (*Env, error) {
	e := &Env{
		AppKey:    os.Getenv("KIS_APP_KEY"),
		AppSecret: os.Getenv("KIS_APP_SECRET"),
		AccountNo: os.Getenv("KIS_ACCOUNT_NO"),
		Env:       os.Getenv("KIS_ENV"),
		WSURLMock: os.Getenv("KIS_WS_URL_MOCK"),
		WSURLLive: os.Getenv("KIS_WS_URL_LIVE"),
	}

	if symbols := os.Getenv("KIS_WS_SYMBOLS"); symbols != "" {
		for _, s := range strings.Split(symbols, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				e.WSSymbols = append(e.WSSymbols, s)
			}
		}
	}
	if len(e.WSSymbols) == 0 {
		e.WSSymbols = []string{"005930"}
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the required fields are present and well-formed.
func (e *Env) Validate() error {
	var missing []string
	if e.AppKey == "" {
		missing = append(missing, "KIS_APP_KEY")
	}
	if e.AppSecret == "" {
		missing = append(missing, "KIS_APP_SECRET")
	}
	if e.AccountNo == "" {
		missing = append(missing, "KIS_ACCOUNT_NO")
	}
	if e.Env == "" {
		missing = append(missing, "KIS_ENV")
	} else if e.Env != "mock" && e.Env != "live" {
		return fmt.Errorf("KIS_ENV must be 'mock' or 'live', got %q", e.Env)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// MissingRequired reports unset required keys without failing, for the
// live-readiness probe (§4.11) which needs to list them rather than abort.
func MissingRequired() []string {
	var missing []string
	for _, kv := range []struct{ name, value string }{
		{"KIS_APP_KEY", os.Getenv("KIS_APP_KEY")},
		{"KIS_APP_SECRET", os.Getenv("KIS_APP_SECRET")},
		{"KIS_ACCOUNT_NO", os.Getenv("KIS_ACCOUNT_NO")},
		{"KIS_ENV", os.Getenv("KIS_ENV")},
	} {
		if kv.value == "" {
			missing = append(missing, kv.name)
		}
	}
	return missing
}

// WSURL returns the streaming endpoint for the configured environment.
func (e *Env) WSURL() string {
	if e.Env == "live" {
		return e.WSURLLive
	}
	return e.WSURLMock
}
