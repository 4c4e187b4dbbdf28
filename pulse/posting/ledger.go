package posting

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/platform"
)

// Post is a ledger entry for a post on the platform
type Post struct {
	BoardRef   string
	PostID     string
	UserID     string
	ScheduleID string
	RunID      string // Empty for posts discovered by sync
	JobID      string
	Subject    string
	CreatedAt  time.Time
	SyncedAt   *time.Time
	DeletedAt  *time.Time
}

const postColumns = `board_ref, post_id, user_id, schedule_id, run_id, job_id, subject,
	created_at, synced_at, deleted_at`

// Ledger stores the posts the engine created or discovered
type Ledger struct {
	q db.DBTX
}

// NewLedger creates a ledger over q
func NewLedger(q db.DBTX) *Ledger {
	return &Ledger{q: q}
}

// Record inserts a post the engine just created. Recording the same post
// twice keeps the first entry.
func (l *Ledger) Record(ctx context.Context, p *Post) error {
	_, err := l.q.ExecContext(ctx, `
		INSERT INTO posts (`+postColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (board_ref, post_id) DO NOTHING`,
		p.BoardRef, p.PostID, p.UserID, nullString(p.ScheduleID), nullString(p.RunID), nullString(p.JobID),
		p.Subject, db.FormatTime(p.CreatedAt), db.NullTime(p.SyncedAt), db.NullTime(p.DeletedAt))
	if err != nil {
		err = errors.Wrap(err, "failed to record post")
		return errors.WithDetailf(err, "Post ID: %s", p.PostID)
	}
	return nil
}

// MergeSynced upserts the platform's view of a board and returns how many
// posts were new to the ledger. Posts the engine created keep their run and
// job attribution.
func (l *Ledger) MergeSynced(ctx context.Context, userID, scheduleID string, posts []platform.Post, now time.Time) (int, error) {
	added := 0
	for _, p := range posts {
		created := p.CreatedAt
		if created.IsZero() {
			created = now
		}
		res, err := l.q.ExecContext(ctx, `
			INSERT INTO posts (`+postColumns+`)
			VALUES (?, ?, ?, ?, NULL, NULL, ?, ?, ?, NULL)
			ON CONFLICT (board_ref, post_id) DO NOTHING`,
			p.BoardRef, p.PostID, userID, nullString(scheduleID), p.Subject,
			db.FormatTime(created), db.FormatTime(now))
		if err != nil {
			return added, errors.Wrapf(err, "failed to merge synced post %s", p.PostID)
		}
		inserted, err := db.RowsAffectedOne(res)
		if err != nil {
			return added, err
		}
		if inserted {
			added++
			continue
		}
		if _, err := l.q.ExecContext(ctx,
			`UPDATE posts SET synced_at = ?, subject = ? WHERE board_ref = ? AND post_id = ?`,
			db.FormatTime(now), p.Subject, p.BoardRef, p.PostID); err != nil {
			return added, errors.Wrapf(err, "failed to mark post %s synced", p.PostID)
		}
	}
	return added, nil
}

// MarkDeleted stamps deleted_at on a post. Unknown posts are not an error:
// the platform may hold posts the ledger never saw.
func (l *Ledger) MarkDeleted(ctx context.Context, boardRef, postID string, now time.Time) error {
	_, err := l.q.ExecContext(ctx,
		`UPDATE posts SET deleted_at = ? WHERE board_ref = ? AND post_id = ? AND deleted_at IS NULL`,
		db.FormatTime(now), boardRef, postID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark post %s deleted", postID)
	}
	return nil
}

// Get returns one post
func (l *Ledger) Get(ctx context.Context, boardRef, postID string) (*Post, error) {
	p, err := scanPost(l.q.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE board_ref = ? AND post_id = ?`, boardRef, postID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("post %s on board %s", postID, boardRef)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get post %s", postID)
	}
	return p, nil
}

// ListBySchedule returns a schedule's posts, newest first. Deleted posts are
// included only when withDeleted is set.
func (l *Ledger) ListBySchedule(ctx context.Context, scheduleID string, withDeleted bool) ([]*Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE schedule_id = ?`
	if !withDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, post_id`

	rows, err := l.q.QueryContext(ctx, query, scheduleID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list posts for schedule %s", scheduleID)
	}
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan post")
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPost(row rowScanner) (*Post, error) {
	var p Post
	var scheduleID, runID, jobID, syncedAt, deletedAt sql.NullString
	var createdAt string
	if err := row.Scan(&p.BoardRef, &p.PostID, &p.UserID, &scheduleID, &runID, &jobID, &p.Subject,
		&createdAt, &syncedAt, &deletedAt); err != nil {
		return nil, err
	}
	p.ScheduleID = scheduleID.String
	p.RunID = runID.String
	p.JobID = jobID.String

	var err error
	if p.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if p.SyncedAt, err = db.ParseNullTime(syncedAt); err != nil {
		return nil, err
	}
	if p.DeletedAt, err = db.ParseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
