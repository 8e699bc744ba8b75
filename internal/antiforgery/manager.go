// Package antiforgery manages the rotating secret token required on
// state-changing calls.
package antiforgery

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/accessguard/accessguard/internal/config"
	"github.com/accessguard/accessguard/internal/logger"
)

// Validation errors
var (
	ErrTokenInvalid = errors.New("anti-forgery token mismatch")
	ErrTokenExpired = errors.New("anti-forgery token expired")
)

// Reporter receives validation failures so they become unauthorized-attempt
// audit events instead of being silently dropped. Implemented by the audit
// trail manager.
type Reporter interface {
	RecordForgeryAttempt(ctx context.Context, callerID, reason string)
}

// TokenStore shares the current token between instances of the same scope.
// Implemented by database.Redis. A nil TokenStore means tokens stay
// process-local.
type TokenStore interface {
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetString(ctx context.Context, key string) (string, error)
	Publish(ctx context.Context, channel string, message interface{}) error
	SubscribeChannel(ctx context.Context, channel string) (<-chan string, func())
}

// Manager holds the single active token for its scope. Validation and token
// reads are in-memory only; the store is written on rotation and read on
// startup and via the rotation channel, so every instance of a scope
// converges on the most recently rotated token.
type Manager struct {
	cfg      config.AntiForgeryConfig
	store    TokenStore
	reporter Reporter
	log      *logger.Logger

	mu      sync.RWMutex
	token   string
	expires time.Time

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a token manager. store and reporter may be nil.
func NewManager(cfg config.AntiForgeryConfig, store TokenStore, reporter Reporter, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		reporter: reporter,
		log:      log.WithComponent("antiforgery"),
		now:      time.Now,
	}
}

// Start adopts any token a peer already issued for this scope, then launches
// the rotation loop and the listener for peer rotations. Rotation fires
// RotationLead before each expiry, so a valid token is always available.
func (m *Manager) Start(ctx context.Context) error {
	if m.store != nil {
		m.adopt(ctx)
	}
	if _, err := m.Token(ctx); err != nil {
		return err
	}

	m.stopCh = make(chan struct{})

	if m.store != nil {
		msgs, cancel := m.store.SubscribeChannel(context.Background(), m.rotationChannel())
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer cancel()
			for {
				select {
				case payload, ok := <-msgs:
					if !ok {
						return
					}
					if token, expires, ok := decodeShared(payload); ok {
						m.install(token, expires)
					}
				case <-m.stopCh:
					return
				}
			}
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.TokenTTL - m.cfg.RotationLead)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.rotate(context.Background()); err != nil {
					m.log.Error().Err(err).Msg("token rotation failed")
				}
			case <-m.stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop halts the rotation loop and the rotation listener.
func (m *Manager) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
		m.wg.Wait()
		m.stopCh = nil
	}
}

// Token returns the current token, generating one on first use or after
// expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	token, expires := m.token, m.expires
	m.mu.RUnlock()

	if token != "" && m.now().Before(expires) {
		return token, nil
	}
	return m.rotate(ctx)
}

// Validate checks a candidate token: constant-time exact match against the
// current token, and not expired. Failures are reported, never swallowed.
func (m *Manager) Validate(ctx context.Context, callerID, candidate string) error {
	m.mu.RLock()
	token, expires := m.token, m.expires
	m.mu.RUnlock()

	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) != 1 {
		m.report(ctx, callerID, "token mismatch")
		return ErrTokenInvalid
	}
	if !m.now().Before(expires) {
		m.report(ctx, callerID, "token expired")
		return ErrTokenExpired
	}
	return nil
}

// Protect attaches the current token as a header for state-changing methods.
// Read methods pass through untouched.
func (m *Manager) Protect(ctx context.Context, req *http.Request) error {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil
	}

	token, err := m.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set(m.cfg.HeaderName, token)
	return nil
}

// HeaderName is the header Protect writes and Validate callers should read.
func (m *Manager) HeaderName() string {
	return m.cfg.HeaderName
}

// rotate generates a fresh token, installs it as the single valid token for
// this scope, and shares it through the store. The store write is off the
// validation hot path.
func (m *Manager) rotate(ctx context.Context) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate anti-forgery token: %w", err)
	}
	token := hex.EncodeToString(raw)
	expires := m.now().Add(m.cfg.TokenTTL)

	m.mu.Lock()
	m.token = token
	m.expires = expires
	m.mu.Unlock()

	if m.store != nil {
		payload := encodeShared(token, expires)
		if err := m.store.SetWithTTL(ctx, m.sharedKey(), payload, m.cfg.TokenTTL); err != nil {
			m.log.Error().Err(err).Msg("failed to share rotated token")
		} else if err := m.store.Publish(ctx, m.rotationChannel(), payload); err != nil {
			m.log.Error().Err(err).Msg("failed to announce rotated token")
		}
	}

	m.log.Debug().Time("expires", expires).Msg("anti-forgery token rotated")
	return token, nil
}

// adopt installs the scope's shared token, if a live one exists. Called on
// startup so a restarted or scaled-out instance accepts tokens its peers
// already handed out.
func (m *Manager) adopt(ctx context.Context) {
	payload, err := m.store.GetString(ctx, m.sharedKey())
	if err != nil || payload == "" {
		return
	}
	token, expires, ok := decodeShared(payload)
	if !ok || !m.now().Before(expires) {
		return
	}
	if m.install(token, expires) {
		m.log.Debug().Time("expires", expires).Msg("adopted shared anti-forgery token")
	}
}

// install replaces the current token when the incoming one expires later.
// The expiry comparison makes concurrent rotations converge on the newest
// token regardless of delivery order.
func (m *Manager) install(token string, expires time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !expires.After(m.expires) {
		return false
	}
	m.token = token
	m.expires = expires
	return true
}

func (m *Manager) sharedKey() string {
	return fmt.Sprintf("%s:antiforgery:token", m.cfg.Scope)
}

func (m *Manager) rotationChannel() string {
	return m.sharedKey() + ":rotated"
}

// encodeShared packs a token and its absolute expiry for the shared store.
// The expiry travels with the token so adopters honor the issuer's TTL
// instead of restarting it.
func encodeShared(token string, expires time.Time) string {
	return fmt.Sprintf("%s %d", token, expires.UnixMilli())
}

func decodeShared(payload string) (string, time.Time, bool) {
	token, msStr, ok := strings.Cut(payload, " ")
	if !ok || token == "" {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return token, time.UnixMilli(ms).UTC(), true
}

func (m *Manager) report(ctx context.Context, callerID, reason string) {
	m.log.Warn().Str("caller_id", callerID).Str("reason", reason).Msg("anti-forgery validation failed")
	if m.reporter != nil {
		m.reporter.RecordForgeryAttempt(ctx, callerID, reason)
	}
}

// SetNow overrides the clock. Tests only.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}
