package posting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	pptest "github.com/teranos/postpulse/internal/testing"
	"github.com/teranos/postpulse/platform"
	"github.com/teranos/postpulse/pulse/async"
	"github.com/teranos/postpulse/pulse/session"
)

// fakePlatform records calls and serves canned answers
type fakePlatform struct {
	mu        sync.Mutex
	created   []string // subjects
	deleted   []string
	sessions  []string
	board     []platform.Post
	createErr error
	nextID    int
}

func (f *fakePlatform) CreatePost(ctx context.Context, sessionID, boardRef, subject, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	f.created = append(f.created, subject)
	return fmt.Sprintf("p-%d", f.nextID), nil
}

func (f *fakePlatform) SyncPosts(ctx context.Context, sessionID, boardRef string) ([]platform.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.board, nil
}

func (f *fakePlatform) DeletePost(ctx context.Context, sessionID, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, postID)
	return nil
}

// fakeGate hands out "sess-<user>" unless the user is listed as refused
type fakeGate struct {
	mu        sync.Mutex
	refused   map[string]string
	refreshed []string
}

func (g *fakeGate) GetSessionState(ctx context.Context, userID string) (session.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if reason, ok := g.refused[userID]; ok {
		return session.State{Usable: false, Reason: reason}, nil
	}
	return session.State{Usable: true, SessionID: "sess-" + userID, CheckedAt: time.Now()}, nil
}

func (g *fakeGate) RefreshSession(ctx context.Context, userID string) (session.State, error) {
	g.mu.Lock()
	g.refreshed = append(g.refreshed, userID)
	g.mu.Unlock()
	if userID == "offline" {
		return session.State{}, errors.New("dial tcp: connection refused")
	}
	return g.GetSessionState(ctx, userID)
}

type fixture struct {
	platform *fakePlatform
	gate     *fakeGate
	ledger   *Ledger
	handlers *Handlers
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		platform: &fakePlatform{},
		gate:     &fakeGate{refused: map[string]string{}},
		ledger:   NewLedger(pptest.CreateTestDB(t)),
		clock:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.handlers = NewHandlers(f.platform, f.gate, f.ledger, func() time.Time { return f.clock }, zap.NewNop().Sugar())
	return f
}

func newJob(t *testing.T, userID string, jobType async.JobType, payload interface{}) *async.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	job, err := async.NewJob("PXrun", userID, jobType, data, 3, time.Now())
	require.NoError(t, err)
	return job
}
