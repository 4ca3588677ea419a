package core

import (
	"fmt"
	"strings"
)

// ConnectRequest is what a caller supplies to start a session.
type ConnectRequest struct {
	// Source is a config URL or file; empty uses the configured source.
	Source   string
	Username string
	Password string
}

// Validate checks the request before any state changes.
func (r ConnectRequest) Validate() error {
	if strings.TrimSpace(r.Username) == "" {
		return fmt.Errorf("username is required")
	}
	if r.Password == "" {
		return fmt.Errorf("password is required")
	}
	if strings.ContainsAny(r.Username, "\r\n") || strings.ContainsAny(r.Password, "\r\n") {
		return fmt.Errorf("credentials must not contain line breaks")
	}
	if strings.Contains(r.Source, "://") && !strings.HasPrefix(r.Source, "https://") {
		return fmt.Errorf("config URL must use https")
	}
	return nil
}
