// Package posting executes jobs against the external platform: session
// initialization, post creation, board sync and post deletion. It also keeps
// the ledger of posts the engine knows about and renders template content at
// job creation time.
package posting

import (
	"encoding/json"

	"github.com/teranos/postpulse/errors"
)

// InitSessionPayload is the payload of an INIT_SESSION job
type InitSessionPayload struct {
	ScheduleID string `json:"schedule_id"`
}

// CreatePostPayload is the payload of a CREATE_POST job. Subject and Body are
// already rendered; retries publish exactly this content.
type CreatePostPayload struct {
	ScheduleID string `json:"schedule_id"`
	TemplateID string `json:"template_id"`
	BoardRef   string `json:"board_ref"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Sequence   int    `json:"sequence"` // 1-based position within the run
}

// SyncPostsPayload is the payload of a SYNC_POSTS job
type SyncPostsPayload struct {
	ScheduleID string `json:"schedule_id"`
	BoardRef   string `json:"board_ref"`
}

// DeletePostPayload is the payload of a DELETE_POST job
type DeletePostPayload struct {
	ScheduleID string `json:"schedule_id"`
	BoardRef   string `json:"board_ref"`
	PostID     string `json:"post_id"`
}

// CreatePostResult is recorded on a completed CREATE_POST job
type CreatePostResult struct {
	PostID string `json:"post_id"`
}

// SyncPostsResult is recorded on a completed SYNC_POSTS job
type SyncPostsResult struct {
	Seen  int `json:"seen"`
	Added int `json:"added"`
}

// Marshal encodes a payload for async.NewJob
func Marshal(payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal job payload")
	}
	return data, nil
}
