package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/errors"
	pptest "github.com/teranos/postpulse/internal/testing"
	"github.com/teranos/postpulse/platform"
	"github.com/teranos/postpulse/pulse/async"
	"github.com/teranos/postpulse/pulse/run"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/pulse/session"
)

// testClock runs in real time from base, plus whatever the test skips ahead
type testClock struct {
	mu     sync.Mutex
	base   time.Time
	start  time.Time
	offset time.Duration
}

func newTestClock(base time.Time) *testClock {
	return &testClock{base: base, start: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base.Add(time.Since(c.start) + c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// fakePlatform publishes posts in memory. Subjects listed in reject fail
// terminally; block holds CreatePost until the channel closes.
type fakePlatform struct {
	mu      sync.Mutex
	posts   []string
	reject  map[string]bool
	block   chan struct{}
	entered chan struct{}
	board   []platform.Post
	deleted []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{reject: map[string]bool{}}
}

func (p *fakePlatform) CreatePost(ctx context.Context, sessionID, boardRef, subject, body string) (string, error) {
	p.mu.Lock()
	block, entered := p.block, p.entered
	p.mu.Unlock()
	if block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject[subject] {
		return "", async.Terminal(errors.Newf("platform rejected %q", subject))
	}
	p.posts = append(p.posts, subject)
	return fmt.Sprintf("post-%d", len(p.posts)), nil
}

func (p *fakePlatform) SyncPosts(ctx context.Context, sessionID, boardRef string) ([]platform.Post, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.board, nil
}

func (p *fakePlatform) DeletePost(ctx context.Context, sessionID, postID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, postID)
	return nil
}

func (p *fakePlatform) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.posts...)
}

// fakeGate keeps one session per user. loggedOut users are unusable until
// RefreshSession succeeds; refuse makes RefreshSession decline.
type fakeGate struct {
	mu        sync.Mutex
	loggedOut map[string]bool
	refuse    map[string]bool
	refreshes int
}

func newFakeGate() *fakeGate {
	return &fakeGate{loggedOut: map[string]bool{}, refuse: map[string]bool{}}
}

func (g *fakeGate) GetSessionState(ctx context.Context, userID string) (session.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loggedOut[userID] {
		return session.State{Usable: false, Reason: "logged out"}, nil
	}
	return session.State{Usable: true, SessionID: "sess-" + userID, CheckedAt: time.Now()}, nil
}

func (g *fakeGate) RefreshSession(ctx context.Context, userID string) (session.State, error) {
	g.mu.Lock()
	g.refreshes++
	if g.refuse[userID] {
		g.mu.Unlock()
		return session.State{Usable: false, Reason: "invalid credentials"}, nil
	}
	delete(g.loggedOut, userID)
	g.mu.Unlock()
	return g.GetSessionState(ctx, userID)
}

type fixture struct {
	engine   *Engine
	clock    *testClock
	platform *fakePlatform
	gate     *fakeGate
}

func testPulseConfig() am.PulseConfig {
	return am.PulseConfig{
		Workers:            2,
		PollIntervalMS:     10,
		MaxAttempts:        3,
		BackoffBaseMS:      10,
		BackoffMaxMS:       50,
		RunDeadlineSeconds: 600,
		DefaultTimezone:    "UTC",
	}
}

func newFixture(t *testing.T, cfg am.PulseConfig) *fixture {
	t.Helper()
	f := &fixture{
		clock:    newTestClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		platform: newFakePlatform(),
		gate:     newFakeGate(),
	}
	e, err := New(context.Background(), pptest.CreateTestDB(t), cfg, Options{
		Platform: f.platform,
		Gate:     f.gate,
		Now:      f.clock.Now,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	f.engine = e

	require.NoError(t, e.schedules.CreateTemplate(context.Background(), &schedule.Template{
		ID:       "tpl",
		UserID:   "u1",
		BoardRef: "general",
		Subject:  "post #{{.Sequence}}",
		Body:     "{{.Weekday}} {{.Date}}",
	}))
	return f
}

func (f *fixture) addSchedule(t *testing.T, s *schedule.Schedule) *schedule.Schedule {
	t.Helper()
	if s.UserID == "" {
		s.UserID = "u1"
	}
	if s.TemplateID == "" {
		s.TemplateID = "tpl"
	}
	require.NoError(t, f.engine.schedules.CreateSchedule(context.Background(), s))
	return s
}

// waitFinal waits for the run to be finalized and returns it with its jobs
func (f *fixture) waitFinal(t *testing.T, runID string) *run.Run {
	t.Helper()
	var r *run.Run
	require.Eventually(t, func() bool {
		var err error
		r, err = f.engine.GetRun(context.Background(), runID)
		require.NoError(t, err)
		return !r.IsOpen()
	}, 3*time.Second, 10*time.Millisecond, "run %s never finalized", runID)
	return r
}

func jobsOfType(r *run.Run, jobType async.JobType) []run.JobSummary {
	var out []run.JobSummary
	for _, j := range r.Jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}
