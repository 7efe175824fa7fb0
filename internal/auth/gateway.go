// Package auth authenticates collaboration connections and internal
// service callers.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"docsync/live/internal/rbac"
	"docsync/live/internal/util"
)

const (
	ReasonMissingCredentials = "missing-credentials"
	ReasonRejected           = "rejected"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrRejected           = errors.New("identity rejected")
	ErrUndecodableToken   = errors.New("undecodable token")
)

// AuthError ends a connection attempt. It matches ErrMissingCredentials
// or ErrRejected under errors.Is depending on Reason.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth: " + e.Reason
	}
	return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrMissingCredentials:
		return e.Reason == ReasonMissingCredentials
	case ErrRejected:
		return e.Reason == ReasonRejected
	}
	return false
}

// Credentials is the connect payload: {"id": "<subject>", "cookie": "<session cookie>"}.
type Credentials struct {
	SubjectID string `json:"id"`
	Cookie    string `json:"cookie"`
}

// ParseCredentials decodes a connect token.
func ParseCredentials(raw string) (Credentials, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credentials{}, ErrUndecodableToken
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrUndecodableToken, err)
	}
	return creds, nil
}

// SessionContext belongs to one connection and lives until it closes.
type SessionContext struct {
	ConnectionID string
	SubjectID    string
	DisplayName  string
	Cookie       string
	Role         rbac.Role
	alive        atomic.Bool
}

// NewSessionContext builds a live context. Used by the gateway and by
// callers that attach without a network connection.
func NewSessionContext(subjectID, cookie string, role rbac.Role) *SessionContext {
	sc := &SessionContext{
		ConnectionID: util.NewID("conn"),
		SubjectID:    subjectID,
		Cookie:       cookie,
		Role:         role,
	}
	sc.alive.Store(true)
	return sc
}

func (s *SessionContext) Alive() bool { return s.alive.Load() }

// Close marks the connection as gone.
func (s *SessionContext) Close() { s.alive.Store(false) }

// CanWrite reports whether the connection may change the document.
func (s *SessionContext) CanWrite() bool { return rbac.Can(s.Role, rbac.ActionWrite) }

// Identity is what the identity service knows about a subject.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// IdentityChecker confirms that cookie belongs to subjectID. A rejection
// must wrap ErrRejected.
type IdentityChecker interface {
	Check(ctx context.Context, subjectID, cookie string) (Identity, error)
}

// Gateway authenticates new connections.
type Gateway struct {
	checker IdentityChecker
	logger  *slog.Logger
}

func NewGateway(checker IdentityChecker, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{checker: checker, logger: logger}
}

// Authenticate resolves the connect token into a SessionContext. When the
// token cannot be decoded the cookie comes from fallbackCookie (the
// transport's Cookie header). There are no retries.
func (g *Gateway) Authenticate(ctx context.Context, rawToken, fallbackCookie string) (*SessionContext, error) {
	creds, err := ParseCredentials(rawToken)
	if err != nil {
		g.logger.Debug("connect token not decodable, using transport cookie", "error", err)
	}
	if creds.Cookie == "" {
		creds.Cookie = fallbackCookie
	}
	if creds.SubjectID == "" || creds.Cookie == "" {
		return nil, &AuthError{Reason: ReasonMissingCredentials}
	}

	identity, err := g.checker.Check(ctx, creds.SubjectID, creds.Cookie)
	if err != nil {
		g.logger.Info("identity check failed", "subject_id", creds.SubjectID, "error", err)
		return nil, &AuthError{Reason: ReasonRejected, Err: err}
	}
	if identity.ID != "" && identity.ID != creds.SubjectID {
		return nil, &AuthError{Reason: ReasonRejected, Err: fmt.Errorf("%w: subject mismatch", ErrRejected)}
	}

	role := rbac.RoleEditor
	if identity.Role != "" {
		role = rbac.Normalize(identity.Role)
	}
	sc := NewSessionContext(creds.SubjectID, creds.Cookie, role)
	sc.DisplayName = identity.DisplayName
	return sc, nil
}
