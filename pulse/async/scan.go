package async

import (
	"database/sql"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// JobScanArgs holds the nullable and text-encoded columns of a job row
// until they are converted onto the Job.
type JobScanArgs struct {
	Type       string
	Status     string
	Payload    string
	LastError  sql.NullString
	Reason     sql.NullString
	Result     sql.NullString
	NotBefore  string
	CreatedAt  string
	StartedAt  sql.NullString
	FinishedAt sql.NullString
	UpdatedAt  string
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.RunID,
		&job.UserID,
		&args.Type,
		&args.Status,
		&args.Payload,
		&job.Attempts,
		&job.MaxAttempts,
		&args.LastError,
		&args.Reason,
		&args.Result,
		&args.NotBefore,
		&args.CreatedAt,
		&args.StartedAt,
		&args.FinishedAt,
		&args.UpdatedAt,
	}
}

// ProcessJobScanArgs converts the scanned columns onto job.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) error {
	job.Type = JobType(args.Type)
	job.Status = JobStatus(args.Status)
	job.Payload = []byte(args.Payload)

	if args.LastError.Valid {
		job.LastError = args.LastError.String
	}
	if args.Reason.Valid {
		job.Reason = args.Reason.String
	}
	if args.Result.Valid && args.Result.String != "" {
		job.Result = []byte(args.Result.String)
	}

	var err error
	if job.NotBefore, err = db.ParseTime(args.NotBefore); err != nil {
		return errors.Wrapf(err, "job %s not_before", job.ID)
	}
	if job.CreatedAt, err = db.ParseTime(args.CreatedAt); err != nil {
		return errors.Wrapf(err, "job %s created_at", job.ID)
	}
	if job.UpdatedAt, err = db.ParseTime(args.UpdatedAt); err != nil {
		return errors.Wrapf(err, "job %s updated_at", job.ID)
	}
	if job.StartedAt, err = db.ParseNullTime(args.StartedAt); err != nil {
		return errors.Wrapf(err, "job %s started_at", job.ID)
	}
	if job.FinishedAt, err = db.ParseNullTime(args.FinishedAt); err != nil {
		return errors.Wrapf(err, "job %s finished_at", job.ID)
	}
	return nil
}

// scanJob scans one job from a row or a rows cursor
func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	args := &JobScanArgs{}
	if err := row.Scan(GetJobScanTargets(job, args)...); err != nil {
		return nil, err
	}
	if err := ProcessJobScanArgs(job, args); err != nil {
		return nil, err
	}
	return job, nil
}

// scanJobs drains rows into jobs and closes rows
func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, run_id, user_id, type, status, payload,
		attempts, max_attempts, last_error, reason, result,
		not_before, created_at, started_at, finished_at, updated_at`
}
