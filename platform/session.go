package platform

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/session"
)

type sessionResponse struct {
	Usable    bool   `json:"usable"`
	Reason    string `json:"reason"`
	SessionID string `json:"session_id"`
}

// SessionGate implements session.Gate against the platform's session endpoints
type SessionGate struct {
	client *resty.Client
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewSessionGate creates a gate sharing the platform configuration
func NewSessionGate(cfg am.PlatformConfig, log *zap.SugaredLogger) *SessionGate {
	client := newRestyClient(cfg).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &SessionGate{
		client: client,
		logger: log.Named("session"),
		now:    time.Now,
	}
}

// GetSessionState asks the platform whether userID can post right now.
// A user the platform has never seen is reported unusable, not as an error.
func (g *SessionGate) GetSessionState(ctx context.Context, userID string) (session.State, error) {
	return g.do(ctx, http.MethodGet, userID)
}

// RefreshSession asks the platform to establish a new session for userID
func (g *SessionGate) RefreshSession(ctx context.Context, userID string) (session.State, error) {
	st, err := g.do(ctx, http.MethodPost, userID)
	if err != nil {
		return st, err
	}
	g.logger.Infow("Session refreshed", "user_id", userID, "usable", st.Usable)
	return st, nil
}

func (g *SessionGate) do(ctx context.Context, method, userID string) (session.State, error) {
	var out sessionResponse
	var apiErr apiError
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("user", userID).
		SetResult(&out).
		SetError(&apiErr).
		Execute(method, "/v1/users/{user}/session")

	if err == nil {
		switch resp.StatusCode() {
		case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
			reason := apiErr.Message
			if reason == "" {
				reason = http.StatusText(resp.StatusCode())
			}
			return session.State{Usable: false, Reason: reason, CheckedAt: g.now()}, nil
		}
	}
	if err := classify("session "+method, resp, err, &apiErr); err != nil {
		return session.State{}, errors.WithDetailf(err, "User ID: %s", userID)
	}

	reason := out.Reason
	if out.Usable && out.SessionID == "" {
		reason = "platform returned no session id"
	}
	return session.State{
		Usable:    out.Usable && out.SessionID != "",
		Reason:    reason,
		SessionID: out.SessionID,
		CheckedAt: g.now(),
	}, nil
}
