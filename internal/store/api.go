package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxDescriptionBytes caps how much a fetch reads from the API.
const maxDescriptionBytes = 64 << 20

// APIStore reads and writes descriptions through the application REST API
// on behalf of the connected user.
type APIStore struct {
	baseURL string
	client  *http.Client
}

func NewAPIStore(baseURL string, client *http.Client) *APIStore {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIStore{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *APIStore) descriptionURL(key DocumentKey) string {
	return fmt.Sprintf("%s/api/workspaces/%s/projects/%s/pages/%s/description/",
		s.baseURL,
		url.PathEscape(key.Workspace),
		url.PathEscape(key.Project),
		url.PathEscape(key.DocumentID),
	)
}

// FetchDescriptionBinary returns the stored binary state. A missing
// document or an empty body is ErrNotFound.
func (s *APIStore) FetchDescriptionBinary(ctx context.Context, key DocumentKey, cookie string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.descriptionURL(key), nil)
	if err != nil {
		return nil, &PersistenceError{Op: "fetch description", Key: key, Err: err}
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &PersistenceError{Op: "fetch description", Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &PersistenceError{Op: "fetch description", Key: key, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptionBytes))
	if err != nil {
		return nil, &PersistenceError{Op: "fetch description", Key: key, Err: err}
	}
	if len(body) == 0 {
		return nil, ErrNotFound
	}
	return body, nil
}

type descriptionPayload struct {
	Binary string          `json:"description_binary"`
	HTML   string          `json:"description_html"`
	Tree   json.RawMessage `json:"description"`
}

func (s *APIStore) UpdateDescription(ctx context.Context, key DocumentKey, desc Description, cookie string) error {
	tree := desc.Tree
	if len(tree) == 0 {
		tree = json.RawMessage("{}")
	}
	body, err := json.Marshal(descriptionPayload{
		Binary: base64.StdEncoding.EncodeToString(desc.Binary),
		HTML:   desc.HTML,
		Tree:   tree,
	})
	if err != nil {
		return &PersistenceError{Op: "update description", Key: key, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, s.descriptionURL(key), bytes.NewReader(body))
	if err != nil {
		return &PersistenceError{Op: "update description", Key: key, Err: err}
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &PersistenceError{Op: "update description", Key: key, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &PersistenceError{Op: "update description", Key: key, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return nil
}

// Ping checks that the API answers at all.
func (s *APIStore) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping api: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("ping api: status %d", resp.StatusCode)
	}
	return nil
}
