// Package rmp holds the wire types of the remote management protocol served
// by devforge-agent and the client the control plane talks to it with.
package rmp

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// AgentState is the live state of one agent on a machine.
type AgentState struct {
	Installed bool `json:"installed"`
	Running   bool `json:"running"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	OK     bool                  `json:"ok"`
	Agents map[string]AgentState `json:"agents"`
}

// AgentRequest is the body of POST /install and POST /uninstall.
type AgentRequest struct {
	Agent string `json:"agent"`
}

// AgentResponse answers a successful install or uninstall.
type AgentResponse struct {
	OK      bool   `json:"ok"`
	Agent   string `json:"agent"`
	Message string `json:"message,omitempty"`
}

// ResetRequest is the body of POST /reset-credentials.
type ResetRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// OKResponse is the generic success body.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	MaxUsernameLength = 64
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateCredentials applies the rules both ends enforce before anything
// on the machine is touched.
func ValidateCredentials(username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	if len(username) > MaxUsernameLength || !usernamePattern.MatchString(username) {
		return fmt.Errorf("username must be 1-%d characters of letters, digits, '_' or '-'", MaxUsernameLength)
	}
	if len(password) < MinPasswordLength || len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be %d-%d characters", MinPasswordLength, MaxPasswordLength)
	}
	if HasControl(password) {
		return fmt.Errorf("password must not contain control characters")
	}
	return nil
}

// HasControl reports whether s contains a control character, DEL included.
func HasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}
