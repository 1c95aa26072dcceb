// Package character talks to the remote conversational-character backend:
// login/verification, per-character chat sessions, and message exchange.
package character

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// SessionInfo is what the backend returns when a chat session is created.
type SessionInfo struct {
	Handle   string // backend's session identifier
	Name     string // character display name
	Greeting string // character's opening message
}

// Backend is the character-service collaborator contract. Any call may fail
// with a transport or auth error; the core treats those opaquely.
type Backend interface {
	// RequestLogin asks the backend to email a verification link and
	// returns the pending token the link will carry.
	RequestLogin(ctx context.Context, email string) (string, error)

	// Verify exchanges a verification link for a long-lived credential.
	Verify(ctx context.Context, link string) (string, error)

	// CreateSession opens a fresh chat with the given character.
	CreateSession(ctx context.Context, characterID string) (SessionInfo, error)

	// SendMessage sends text into an existing session and returns the
	// character's reply.
	SendMessage(ctx context.Context, handle, text string) (string, error)

	// ResetSession clears a session's conversation history, keeping its
	// identity.
	ResetSession(ctx context.Context, handle string) error

	// DeleteSession tears down the remote session.
	DeleteSession(ctx context.Context, handle string) error
}

// HTTPBackend implements Backend over the character service's REST API.
type HTTPBackend struct {
	baseURL string
	client  *http.Client

	mu         sync.RWMutex
	credential string
}

// NewHTTPBackend creates a backend client. credential may be empty until
// verification completes.
func NewHTTPBackend(baseURL, credential string) *HTTPBackend {
	return &HTTPBackend{
		baseURL:    baseURL,
		credential: credential,
		client: &http.Client{
			Timeout: 2 * time.Minute, // character replies can be slow
		},
	}
}

// SetCredential installs the long-lived credential used on session calls.
func (b *HTTPBackend) SetCredential(token string) {
	b.mu.Lock()
	b.credential = token
	b.mu.Unlock()
}

func (b *HTTPBackend) getCredential() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.credential
}

func (b *HTTPBackend) RequestLogin(ctx context.Context, email string) (string, error) {
	var out struct {
		PendingToken string `json:"pending_token"`
	}
	err := b.doJSON(ctx, http.MethodPost, "/auth/request", map[string]string{"email": email}, &out)
	if err != nil {
		return "", fmt.Errorf("request login: %w", err)
	}
	return out.PendingToken, nil
}

func (b *HTTPBackend) Verify(ctx context.Context, link string) (string, error) {
	var out struct {
		Credential string `json:"credential"`
	}
	err := b.doJSON(ctx, http.MethodPost, "/auth/verify", map[string]string{"link": link}, &out)
	if err != nil {
		return "", fmt.Errorf("verify: %w", err)
	}
	return out.Credential, nil
}

func (b *HTTPBackend) CreateSession(ctx context.Context, characterID string) (SessionInfo, error) {
	var out struct {
		Handle   string `json:"handle"`
		Name     string `json:"name"`
		Greeting string `json:"greeting"`
	}
	err := b.doJSON(ctx, http.MethodPost, "/chat/session", map[string]string{"character_id": characterID}, &out)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("create session: %w", err)
	}
	return SessionInfo{Handle: out.Handle, Name: out.Name, Greeting: out.Greeting}, nil
}

func (b *HTTPBackend) SendMessage(ctx context.Context, handle, text string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := b.doJSON(ctx, http.MethodPost, "/chat/session/"+handle+"/message", map[string]string{"text": text}, &out)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return out.Text, nil
}

func (b *HTTPBackend) ResetSession(ctx context.Context, handle string) error {
	if err := b.doJSON(ctx, http.MethodPost, "/chat/session/"+handle+"/reset", nil, nil); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}

func (b *HTTPBackend) DeleteSession(ctx context.Context, handle string) error {
	if err := b.doJSON(ctx, http.MethodDelete, "/chat/session/"+handle, nil, nil); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// doJSON performs a request with the credential attached and decodes the
// JSON response into out (when out is non-nil). Transport timeouts are
// classified as ErrBackendTimeout so callers can treat them as transient.
func (b *HTTPBackend) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred := b.getCredential(); cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}
