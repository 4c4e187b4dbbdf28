package posting

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/platform"
	"github.com/teranos/postpulse/pulse/async"
	"github.com/teranos/postpulse/pulse/session"
)

// Handlers executes the four job types against a platform client.
// Errors from the client arrive already classified; handlers only add
// classification for failures they detect themselves.
type Handlers struct {
	client platform.Client
	gate   session.Gate
	ledger *Ledger
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewHandlers creates the posting handlers. Ledger timestamps come from now;
// nil means time.Now.
func NewHandlers(client platform.Client, gate session.Gate, ledger *Ledger, now func() time.Time, log *zap.SugaredLogger) *Handlers {
	if now == nil {
		now = time.Now
	}
	return &Handlers{
		client: client,
		gate:   gate,
		ledger: ledger,
		now:    now,
		logger: log.Named("posting"),
	}
}

// Register adds a handler for every job type to registry
func (h *Handlers) Register(registry *async.HandlerRegistry) {
	registry.Register(async.HandlerFunc{JobType: async.JobTypeInitSession, Fn: h.InitSession})
	registry.Register(async.HandlerFunc{JobType: async.JobTypeCreatePost, Fn: h.CreatePost})
	registry.Register(async.HandlerFunc{JobType: async.JobTypeSyncPosts, Fn: h.SyncPosts})
	registry.Register(async.HandlerFunc{JobType: async.JobTypeDeletePost, Fn: h.DeletePost})
}

// InitSession refreshes the user's platform session. A refusal is terminal
// and marked as a session failure so the user's dependent jobs fail with it.
func (h *Handlers) InitSession(ctx context.Context, job *async.Job) error {
	state, err := h.gate.RefreshSession(ctx, job.UserID)
	if err != nil {
		return errors.Wrap(err, "refresh session")
	}
	if !state.Usable {
		return sessionUnavailable(job.UserID, state.Reason)
	}
	h.logger.Infow("Session initialized", logger.FieldJobID, job.ID, logger.FieldUserID, job.UserID)
	return nil
}

// CreatePost publishes the frozen payload content and records the post
func (h *Handlers) CreatePost(ctx context.Context, job *async.Job) error {
	var payload CreatePostPayload
	if err := job.DecodePayload(&payload); err != nil {
		return async.Terminal(err)
	}
	if payload.BoardRef == "" {
		return async.Terminal(errors.Newf("create post: job %s has no board_ref", job.ID))
	}

	sessionID, err := h.sessionID(ctx, job.UserID)
	if err != nil {
		return err
	}

	postID, err := h.client.CreatePost(ctx, sessionID, payload.BoardRef, payload.Subject, payload.Body)
	if err != nil {
		return err
	}

	// The post exists on the platform now; a ledger failure must not cause
	// a retry that would publish it twice.
	if err := h.ledger.Record(ctx, &Post{
		BoardRef:   payload.BoardRef,
		PostID:     postID,
		UserID:     job.UserID,
		ScheduleID: payload.ScheduleID,
		RunID:      job.RunID,
		JobID:      job.ID,
		Subject:    payload.Subject,
		CreatedAt:  h.now().UTC(),
	}); err != nil {
		h.logger.Errorw("Post created but not recorded",
			logger.FieldJobID, job.ID,
			logger.FieldPostID, postID,
			logger.FieldError, err)
	}

	h.logger.Infow("Post created",
		logger.FieldJobID, job.ID,
		logger.FieldRunID, job.RunID,
		logger.FieldPostID, postID,
		"sequence", payload.Sequence)
	return job.SetResult(CreatePostResult{PostID: postID})
}

// SyncPosts merges the board's current posts into the ledger
func (h *Handlers) SyncPosts(ctx context.Context, job *async.Job) error {
	var payload SyncPostsPayload
	if err := job.DecodePayload(&payload); err != nil {
		return async.Terminal(err)
	}

	sessionID, err := h.sessionID(ctx, job.UserID)
	if err != nil {
		return err
	}

	posts, err := h.client.SyncPosts(ctx, sessionID, payload.BoardRef)
	if err != nil {
		return err
	}
	added, err := h.ledger.MergeSynced(ctx, job.UserID, payload.ScheduleID, posts, h.now().UTC())
	if err != nil {
		return async.Retryable(err)
	}

	h.logger.Infow("Board synced",
		logger.FieldJobID, job.ID,
		"board_ref", payload.BoardRef,
		"seen", len(posts),
		"added", added)
	return job.SetResult(SyncPostsResult{Seen: len(posts), Added: added})
}

// DeletePost removes a post from the platform and marks it deleted
func (h *Handlers) DeletePost(ctx context.Context, job *async.Job) error {
	var payload DeletePostPayload
	if err := job.DecodePayload(&payload); err != nil {
		return async.Terminal(err)
	}
	if payload.PostID == "" {
		return async.Terminal(errors.Newf("delete post: job %s has no post_id", job.ID))
	}

	sessionID, err := h.sessionID(ctx, job.UserID)
	if err != nil {
		return err
	}
	if err := h.client.DeletePost(ctx, sessionID, payload.PostID); err != nil {
		return err
	}
	if err := h.ledger.MarkDeleted(ctx, payload.BoardRef, payload.PostID, h.now().UTC()); err != nil {
		return async.Retryable(err)
	}

	h.logger.Infow("Post deleted", logger.FieldJobID, job.ID, logger.FieldPostID, payload.PostID)
	return nil
}

// sessionID fetches the session handle for userID. The worker already checked
// the gate, but the session may have lapsed since.
func (h *Handlers) sessionID(ctx context.Context, userID string) (string, error) {
	state, err := h.gate.GetSessionState(ctx, userID)
	if err != nil {
		return "", async.Retryable(errors.Wrap(err, "session gate"))
	}
	if !state.Usable {
		return "", sessionUnavailable(userID, state.Reason)
	}
	return state.SessionID, nil
}

func sessionUnavailable(userID, reason string) error {
	if reason == "" {
		reason = "session not usable"
	}
	return async.Terminal(errors.Mark(
		errors.Newf("session unavailable for user %s: %s", userID, reason),
		errors.ErrSessionUnavailable))
}
