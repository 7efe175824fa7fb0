package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIIdentityChecker asks the application API who owns a session cookie.
type APIIdentityChecker struct {
	baseURL string
	client  *http.Client
}

func NewAPIIdentityChecker(baseURL string, client *http.Client) *APIIdentityChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIIdentityChecker{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Check calls GET /api/users/me/ with the cookie. The subject is accepted
// only if the API answers with the same id.
func (c *APIIdentityChecker) Check(ctx context.Context, subjectID, cookie string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/users/me/", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("identity request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Identity{}, fmt.Errorf("identity request: unexpected status %d", resp.StatusCode)
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	if identity.ID != subjectID {
		return Identity{}, fmt.Errorf("%w: cookie belongs to another subject", ErrRejected)
	}
	return identity, nil
}

// SessionRecord is a registered session as returned by a SessionLookup.
type SessionRecord struct {
	UserID      string
	DisplayName string
	Role        string
}

// SessionLookup resolves a session cookie. Unknown or expired cookies
// return an error matching notFound.
type SessionLookup interface {
	LookupSession(ctx context.Context, cookie string) (SessionRecord, error)
}

// SessionLookupFunc adapts a function to SessionLookup.
type SessionLookupFunc func(ctx context.Context, cookie string) (SessionRecord, error)

func (f SessionLookupFunc) LookupSession(ctx context.Context, cookie string) (SessionRecord, error) {
	return f(ctx, cookie)
}

// LocalIdentityChecker validates cookies against sessions registered with
// this service, for deployments without an application API.
type LocalIdentityChecker struct {
	sessions SessionLookup
	notFound error
}

// NewLocalIdentityChecker treats lookup errors matching notFound as
// rejections; any other error is reported as is.
func NewLocalIdentityChecker(sessions SessionLookup, notFound error) *LocalIdentityChecker {
	return &LocalIdentityChecker{sessions: sessions, notFound: notFound}
}

func (c *LocalIdentityChecker) Check(ctx context.Context, subjectID, cookie string) (Identity, error) {
	rec, err := c.sessions.LookupSession(ctx, cookie)
	if err != nil {
		if c.notFound != nil && errors.Is(err, c.notFound) {
			return Identity{}, fmt.Errorf("%w: unknown session", ErrRejected)
		}
		return Identity{}, fmt.Errorf("lookup session: %w", err)
	}
	if rec.UserID != subjectID {
		return Identity{}, fmt.Errorf("%w: cookie belongs to another subject", ErrRejected)
	}
	return Identity{ID: rec.UserID, DisplayName: rec.DisplayName, Role: rec.Role}, nil
}
