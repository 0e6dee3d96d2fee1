// Package sessionclient implements sessions.Store over the Session API so a
// coordinator running outside the server process behaves exactly like a local one.
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/editor-sessions/internal/sessions"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const (
	opPut        = "sessionclient.put"
	opPatch      = "sessionclient.patch"
	opRemove     = "sessionclient.remove"
	opGetOnce    = "sessionclient.get_once"
	opListActive = "sessionclient.list_active"
	opBatchPatch = "sessionclient.batch_patch"

	pathEditorSessions   = "/editor-sessions"
	pathEvict            = "/editor-sessions/evict"
	pathDocumentSessions = "/document-sessions"
	streamSuffix         = "/stream"

	defaultRequestTimeout = 15 * time.Second
	contentTypeJSON       = "application/json"

	errorCodeSessionNotFound = "session_not_found"
)

var (
	errMissingBaseURL   = errors.New("sessionclient: base url is required")
	errMissingToken     = errors.New("sessionclient: session token is required")
	errUnsupportedBatch = errors.New("sessionclient: only eviction batches are supported")
)

// StatusError reports a non-success response from the Session API.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("session api responded %d", e.StatusCode)
	}
	return fmt.Sprintf("session api responded %d: %s", e.StatusCode, e.Code)
}

// Config describes how to reach the Session API.
type Config struct {
	BaseURL      string
	SessionToken string
	// HTTPClient serves one-shot requests. StreamClient serves subscriptions and
	// must not carry a total timeout.
	HTTPClient   *http.Client
	StreamClient *http.Client
	NewBackOff   func() backoff.BackOff
	Logger       *zap.Logger
}

// Client is a sessions.Store backed by the Session API.
type Client struct {
	baseURL      *url.URL
	token        string
	httpClient   *http.Client
	streamClient *http.Client
	newBackOff   func() backoff.BackOff
	logger       *zap.Logger
}

var _ sessions.Store = (*Client)(nil)

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	rawURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if rawURL == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("sessionclient: invalid base url: %w", err)
	}
	token := strings.TrimSpace(cfg.SessionToken)
	if token == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	streamClient := cfg.StreamClient
	if streamClient == nil {
		streamClient = &http.Client{}
	}
	newBackOff := cfg.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:      baseURL,
		token:        token,
		httpClient:   httpClient,
		streamClient: streamClient,
		newBackOff:   newBackOff,
		logger:       logger,
	}, nil
}

// Put creates or fully overwrites a session.
func (c *Client) Put(ctx context.Context, session sessions.Session) error {
	_, err := c.send(ctx, opPut, http.MethodPost, pathEditorSessions, nil, sessions.NewSessionPayload(session), nil)
	return err
}

// Patch merges the provided fields into an existing session.
func (c *Client) Patch(ctx context.Context, id sessions.SessionID, patch sessions.Patch) error {
	if patch.IsEmpty() {
		return sessions.ErrEmptyPatch
	}
	_, err := c.send(ctx, opPatch, http.MethodPatch, sessionPath(id), nil, sessions.NewPatchPayload(patch), nil)
	return err
}

// Remove deletes a session; a missing session is not an error.
func (c *Client) Remove(ctx context.Context, id sessions.SessionID) error {
	_, err := c.send(ctx, opRemove, http.MethodDelete, sessionPath(id), nil, nil, nil)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return nil
	}
	return err
}

// GetOnce fetches the current state of a session.
func (c *Client) GetOnce(ctx context.Context, id sessions.SessionID) (sessions.Session, error) {
	var payload sessions.SessionPayload
	if _, err := c.send(ctx, opGetOnce, http.MethodGet, sessionPath(id), nil, nil, &payload); err != nil {
		return sessions.Session{}, err
	}
	session, err := payload.Session()
	if err != nil {
		return sessions.Session{}, sessions.NewPersistenceError(opGetOnce, err)
	}
	return session, nil
}

// ListActive returns the active sessions of a document.
func (c *Client) ListActive(ctx context.Context, document sessions.DocumentRef) ([]sessions.Session, error) {
	var payload sessions.SessionListPayload
	if _, err := c.send(ctx, opListActive, http.MethodGet, pathDocumentSessions, documentQuery(document), nil, &payload); err != nil {
		return nil, err
	}
	active, err := sessions.SessionsFromPayloads(payload.Sessions)
	if err != nil {
		return nil, sessions.NewPersistenceError(opListActive, err)
	}
	return active, nil
}

// BatchPatch applies patch to every id atomically. Only eviction is supported
// remotely, matching the server's shared-resource policy.
func (c *Client) BatchPatch(ctx context.Context, ids []sessions.SessionID, patch sessions.Patch) error {
	if len(ids) == 0 {
		return nil
	}
	if patch.TouchesOwnerFields() || patch.Active == nil || *patch.Active {
		return sessions.NewPersistenceError(opBatchPatch, errUnsupportedBatch)
	}
	identifiers := make([]string, 0, len(ids))
	for _, id := range ids {
		identifiers = append(identifiers, id.String())
	}
	_, err := c.send(ctx, opBatchPatch, http.MethodPost, pathEvict, nil, sessions.EvictionPayload{SessionIDs: identifiers}, nil)
	return err
}

func (c *Client) send(ctx context.Context, operation, method, path string, query url.Values, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, sessions.NewPersistenceError(operation, err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return 0, sessions.NewPersistenceError(operation, err)
	}
	c.authorize(request)
	if body != nil {
		request.Header.Set("Content-Type", contentTypeJSON)
	}
	request.Header.Set("Accept", contentTypeJSON)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, sessions.NewPersistenceError(operation, err)
	}
	defer response.Body.Close()

	if err := statusError(response); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return response.StatusCode, err
		}
		c.logger.Warn("session api request failed",
			zap.String("operation", operation),
			zap.Int("status", response.StatusCode),
			zap.Error(err))
		return response.StatusCode, sessions.NewPersistenceError(operation, err)
	}
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return response.StatusCode, sessions.NewPersistenceError(operation, err)
		}
	}
	return response.StatusCode, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (c *Client) authorize(request *http.Request) {
	request.Header.Set("Authorization", "Bearer "+c.token)
}

type errorBody struct {
	Error string `json:"error"`
}

func statusError(response *http.Response) error {
	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(response.Body, 4096)).Decode(&body)
	// A bare 404 means the route is missing, not the session.
	if response.StatusCode == http.StatusNotFound && body.Error == errorCodeSessionNotFound {
		return sessions.ErrSessionNotFound
	}
	return &StatusError{StatusCode: response.StatusCode, Code: body.Error}
}

func sessionPath(id sessions.SessionID) string {
	return pathEditorSessions + "/" + url.PathEscape(id.String())
}

func documentQuery(document sessions.DocumentRef) url.Values {
	return url.Values{
		"doc_id":              []string{document.DocID.String()},
		"doc_collection_path": []string{document.DocCollectionPath.String()},
	}
}
