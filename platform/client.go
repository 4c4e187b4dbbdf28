// Package platform is the client for the external community platform that
// posts are published to.
//
// Errors returned by a Client are already classified for the worker pool:
// transient failures (timeouts, 429, 5xx) carry async.ErrRetryable, rejected
// requests carry async.ErrTerminal, and rejected sessions additionally carry
// errors.ErrSessionUnavailable.
package platform

import (
	"context"
	"time"
)

// Post is a post as the platform reports it
type Post struct {
	PostID    string    `json:"post_id"`
	BoardRef  string    `json:"board_ref"`
	Subject   string    `json:"subject"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Client performs posting operations on behalf of a session
type Client interface {
	CreatePost(ctx context.Context, sessionID, boardRef, subject, body string) (string, error)
	SyncPosts(ctx context.Context, sessionID, boardRef string) ([]Post, error)
	DeletePost(ctx context.Context, sessionID, postID string) error
}
