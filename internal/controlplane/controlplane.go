// Package controlplane manages the runner's websocket session with the
// scheduler: connecting with backoff, authenticating, and decoding scan
// requests off the wire.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kongbytes/chicon-runner-go/internal/config"
	"github.com/kongbytes/chicon-runner-go/internal/model"
)

const scanRequestVersion = "v1"

// ErrAuthenticationFailed is returned when the scheduler does not answer
// the runner token with "auth-ok".
var ErrAuthenticationFailed = errors.New("scheduler rejected runner token")

// Session wraps a single authenticated websocket connection to the
// scheduler's control plane.
type Session struct {
	conn *websocket.Conn
}

// Connect makes a single attempt to dial the scheduler's control-plane
// endpoint (ws://<scheduler.base_url>/ws/runners). Callers that want the
// source runner's retry-with-backoff behavior should use DialWithRetry.
func Connect(ctx context.Context, cfg *config.Config) (*Session, error) {
	endpoint := url.URL{Scheme: "ws", Host: cfg.Scheduler.BaseURL, Path: "/ws/runners"}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial scheduler control plane: %w", err)
	}
	return &Session{conn: conn}, nil
}

// DialWithRetry keeps attempting Connect until it succeeds or ctx is
// canceled, sleeping cfg.Scheduler.RetryPeriod seconds between attempts and
// scaling that period by RetryScaleFactor after every failure, capped at
// RetryScaleLimit.
func DialWithRetry(ctx context.Context, cfg *config.Config) (*Session, error) {
	retryPeriod := float64(cfg.Scheduler.RetryPeriod)

	for {
		session, err := Connect(ctx, cfg)
		if err == nil {
			return session, nil
		}

		log.Printf("scheduler connection failed: %v", err)
		log.Printf("retry in %.0f seconds", retryPeriod)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(retryPeriod * float64(time.Second))):
		}

		if limit := float64(cfg.Scheduler.RetryScaleLimit); retryPeriod < limit {
			retryPeriod *= cfg.Scheduler.RetryScaleFactor
			if retryPeriod > limit {
				retryPeriod = limit
			}
		}
	}
}

// Authenticate sends token as the session's first message and expects the
// scheduler to answer with the literal text "auth-ok".
func (s *Session) Authenticate(token string) error {
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
		return fmt.Errorf("send authentication request: %w", err)
	}

	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("receive authentication response: %w", err)
	}
	if messageType != websocket.TextMessage || string(data) != "auth-ok" {
		return ErrAuthenticationFailed
	}
	return nil
}

// Next blocks until the next well-formed scan request arrives, decoding it
// off the wire. A malformed or non-text frame is logged and dropped without
// ending the session; only a failure reading from the connection is
// returned as an error.
func (s *Session) Next() (model.ScanRequest, error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return model.ScanRequest{}, fmt.Errorf("read message from scheduler: %w", err)
		}
		request, err := DecodeScanRequest(messageType, data)
		if err != nil {
			log.Printf("dropping scan message: %v", err)
			continue
		}
		return request, nil
	}
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// DecodeScanRequest parses a control-plane frame into a ScanRequest. Only
// text frames are accepted; the payload must have exactly three
// semicolon-separated components: a "v1" version marker, a non-empty
// repository identifier, and a non-empty comma-separated function list
// (which may be the wildcard "*").
func DecodeScanRequest(messageType int, data []byte) (model.ScanRequest, error) {
	if messageType != websocket.TextMessage {
		return model.ScanRequest{}, fmt.Errorf("expected a text message, got frame type %d", messageType)
	}

	parts := strings.Split(string(data), ";")
	if len(parts) != 3 {
		return model.ScanRequest{}, fmt.Errorf("scan message should have 3 components, %d found (%q)", len(parts), string(data))
	}

	version := parts[0]
	if version != scanRequestVersion {
		return model.ScanRequest{}, fmt.Errorf("expected %q scan message, got %q", scanRequestVersion, version)
	}

	repository := strings.TrimSpace(parts[1])
	if repository == "" {
		return model.ScanRequest{}, fmt.Errorf("expected a non-empty repository identifier or wildcard")
	}

	functionPart := strings.TrimSpace(parts[2])
	if functionPart == "" {
		return model.ScanRequest{}, fmt.Errorf("expected non-empty function identifiers or wildcard")
	}

	return model.ScanRequest{
		Version:      version,
		Repositories: []string{repository},
		Functions:    strings.Split(functionPart, ","),
	}, nil
}
