package sessionclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	contentTypeEventStream = "text/event-stream"

	sseEventPrefix   = "event:"
	sseDataPrefix    = "data:"
	sseCommentPrefix = ":"
)

var errStreamEnded = errors.New("sessionclient: stream ended")

// Subscribe streams the record of one session, reconnecting until ctx ends or
// the subscription is cancelled.
func (c *Client) Subscribe(ctx context.Context, id sessions.SessionID) (sessions.Subscription[sessions.RecordSnapshot], error) {
	decode := func(data []byte) (sessions.RecordSnapshot, error) {
		var payload sessions.RecordPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return sessions.RecordSnapshot{}, err
		}
		return payload.Snapshot()
	}
	return subscribe(ctx, c, sessionPath(id)+streamSuffix, nil, sessions.StreamEventSession, decode), nil
}

// SubscribeQuery streams the active sessions of a document.
func (c *Client) SubscribeQuery(ctx context.Context, document sessions.DocumentRef) (sessions.Subscription[[]sessions.Session], error) {
	decode := func(data []byte) ([]sessions.Session, error) {
		var payload sessions.SessionListPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		return sessions.SessionsFromPayloads(payload.Sessions)
	}
	return subscribe(ctx, c, pathDocumentSessions+streamSuffix, documentQuery(document), sessions.StreamEventSessions, decode), nil
}

func subscribe[T any](parent context.Context, c *Client, path string, query url.Values, event string, decode func([]byte) (T, error)) sessions.Subscription[T] {
	ctx, cancel := context.WithCancel(parent)
	updates := make(chan T, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(updates)

		policy := backoff.WithContext(c.newBackOff(), ctx)
		operation := func() error {
			err := c.consume(ctx, path, query, func(name string, data []byte) error {
				if name != event {
					return nil
				}
				value, err := decode(data)
				if err != nil {
					return err
				}
				policy.Reset()
				if !sessions.Deliver(ctx, updates, value) {
					return ctx.Err()
				}
				return nil
			})
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var statusErr *StatusError
			if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			c.logger.Warn("session stream interrupted; reconnecting",
				zap.String("path", path),
				zap.Duration("retry_in", wait),
				zap.Error(err))
		}
		if err := backoff.RetryNotify(operation, policy, notify); err != nil && ctx.Err() == nil {
			c.logger.Error("session stream abandoned", zap.String("path", path), zap.Error(err))
		}
	}()

	return sessions.NewSubscription[T](updates, cancel, done)
}

func (c *Client) consume(ctx context.Context, path string, query url.Values, dispatch func(name string, data []byte) error) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), http.NoBody)
	if err != nil {
		return err
	}
	c.authorize(request)
	request.Header.Set("Accept", contentTypeEventStream)

	response, err := c.streamClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if err := statusError(response); err != nil {
		return err
	}
	return readEvents(response.Body, dispatch)
}

// readEvents parses a server-sent event stream and hands each complete event
// to dispatch. It returns errStreamEnded when the server closes the body.
func readEvents(body io.Reader, dispatch func(name string, data []byte) error) error {
	reader := bufio.NewReader(body)
	var (
		name string
		data bytes.Buffer
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errStreamEnded
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if name != "" || data.Len() > 0 {
				if err := dispatch(name, data.Bytes()); err != nil {
					return err
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, sseCommentPrefix):
		case strings.HasPrefix(line, sseEventPrefix):
			name = strings.TrimSpace(strings.TrimPrefix(line, sseEventPrefix))
		case strings.HasPrefix(line, sseDataPrefix):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, sseDataPrefix), " "))
		}
	}
}

func defaultBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = 0
	return policy
}
