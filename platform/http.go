package platform

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/httpclient"
	"github.com/teranos/postpulse/pulse/async"
	"github.com/teranos/postpulse/version"
)

// SessionHeader carries the platform session on posting calls
const SessionHeader = "X-Session-ID"

// apiError is the error body the platform returns with non-2xx responses
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createPostRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type createPostResponse struct {
	PostID string `json:"post_id"`
}

type listPostsResponse struct {
	Posts []Post `json:"posts"`
}

// HTTPClient talks to the platform's JSON API
type HTTPClient struct {
	client *resty.Client
	logger *zap.SugaredLogger
}

// NewHTTPClient creates a platform client from configuration
func NewHTTPClient(cfg am.PlatformConfig, log *zap.SugaredLogger) *HTTPClient {
	client := newRestyClient(cfg).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &HTTPClient{
		client: client,
		logger: log.Named("platform"),
	}
}

// CreatePost publishes a post and returns its platform ID
func (c *HTTPClient) CreatePost(ctx context.Context, sessionID, boardRef, subject, body string) (string, error) {
	var out createPostResponse
	var apiErr apiError
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader(SessionHeader, sessionID).
		SetPathParam("board", boardRef).
		SetBody(createPostRequest{Subject: subject, Body: body}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/boards/{board}/posts")
	if err := classify("create post", resp, err, &apiErr); err != nil {
		return "", errors.WithDetailf(err, "Board: %s", boardRef)
	}
	if out.PostID == "" {
		return "", async.Terminal(errors.New("create post: platform returned no post_id"))
	}
	return out.PostID, nil
}

// SyncPosts lists the posts currently on a board
func (c *HTTPClient) SyncPosts(ctx context.Context, sessionID, boardRef string) ([]Post, error) {
	var out listPostsResponse
	var apiErr apiError
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader(SessionHeader, sessionID).
		SetPathParam("board", boardRef).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v1/boards/{board}/posts")
	if err := classify("sync posts", resp, err, &apiErr); err != nil {
		return nil, errors.WithDetailf(err, "Board: %s", boardRef)
	}
	for i := range out.Posts {
		if out.Posts[i].BoardRef == "" {
			out.Posts[i].BoardRef = boardRef
		}
	}
	return out.Posts, nil
}

// DeletePost removes a post. Deleting a post the platform no longer has
// counts as success.
func (c *HTTPClient) DeletePost(ctx context.Context, sessionID, postID string) error {
	var apiErr apiError
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader(SessionHeader, sessionID).
		SetPathParam("post", postID).
		SetError(&apiErr).
		Delete("/v1/posts/{post}")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		c.logger.Debugw("Post already gone on platform", "post_id", postID)
		return nil
	}
	if err := classify("delete post", resp, err, &apiErr); err != nil {
		return errors.WithDetailf(err, "Post ID: %s", postID)
	}
	return nil
}

// classify maps a resty outcome to a classified error, or nil on 2xx.
//
//	transport error, 408, 429, 5xx -> Retryable
//	401, 403                       -> Terminal + ErrSessionUnavailable
//	other 4xx                      -> Terminal
func classify(op string, resp *resty.Response, err error, body *apiError) error {
	if err != nil {
		err = errors.Wrapf(err, "%s: request failed", op)
		if errors.Is(err, httpclient.ErrBlocked) {
			return async.Terminal(err)
		}
		return async.Retryable(err)
	}
	if resp.IsSuccess() {
		return nil
	}

	status := resp.StatusCode()
	msg := http.StatusText(status)
	if body != nil && body.Message != "" {
		msg = body.Message
	}
	cause := errors.Newf("%s: platform returned %d: %s", op, status, msg)
	if body != nil && body.Code != "" {
		cause = errors.WithDetailf(cause, "Platform code: %s", body.Code)
	}

	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		if after := retryAfter(resp); after > 0 {
			cause = errors.WithDetailf(cause, "Retry-After: %s", after)
		}
		return async.Retryable(cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return async.Terminal(errors.Mark(cause, errors.ErrSessionUnavailable))
	default:
		return async.Terminal(cause)
	}
}

// retryAfter parses a Retry-After header given in seconds
func retryAfter(resp *resty.Response) time.Duration {
	v := resp.Header().Get("Retry-After")
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v + "s")
	if err != nil {
		return 0
	}
	return d
}

// newRestyClient builds the shared transport for platform calls
func newRestyClient(cfg am.PlatformConfig) *resty.Client {
	hc := httpclient.New(httpclient.Options{
		Timeout:             cfg.Timeout(),
		BlockPrivateNetwork: cfg.BlockPrivateNetwork,
	})
	return resty.NewWithClient(hc).
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout()).
		SetHeader("User-Agent", version.Get().UserAgent())
}
