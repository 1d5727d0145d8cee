package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const jobColumns = `id, status, customer_id, provider_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	pickup_address, dropoff_address, locked_at, assigned_at, accepted_at, updated_at, created_at`

// CreateJob inserts j. CreatedAt and UpdatedAt default to now.
func (db *DB) CreateJob(j *Job, now int64) error {
	if j.CreatedAt == 0 {
		j.CreatedAt = now
	}
	if j.UpdatedAt == 0 {
		j.UpdatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Status, j.CustomerID, j.ProviderID, j.PickupLat, j.PickupLng, j.DropoffLat, j.DropoffLng,
		j.PickupAddress, j.DropoffAddress, nullMillis(j.LockedAt), nullMillis(j.AssignedAt), nullMillis(j.AcceptedAt),
		j.UpdatedAt, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob returns the job with id or ErrNotFound.
func (db *DB) GetJob(id string) (*Job, error) {
	row := db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ActiveJob returns userID's most recently updated job that has not
// finished, on either side of it.
func (db *DB) ActiveJob(userID string) (*Job, error) {
	row := db.QueryRow(`
		SELECT `+jobColumns+` FROM jobs
		WHERE (customer_id = ? OR provider_id = ?)
		  AND status NOT IN ('COMPLETED', 'CANCELLED')
		ORDER BY updated_at DESC
		LIMIT 1`, userID, userID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ListJobs returns every job, newest first.
func (db *DB) ListJobs() ([]Job, error) {
	rows, err := db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// SetStatus moves job id to status and stamps lifecycle timestamps the first
// time each applies. providerID, when set, assigns the job.
func (db *DB) SetStatus(id, status, providerID string, now int64) (*Job, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	j, err := scanJob(tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if providerID != "" && providerID != j.ProviderID {
		j.ProviderID = providerID
		// A new provider restarts the chat lock.
		j.AssignedAt, j.AcceptedAt, j.LockedAt = 0, 0, 0
	}
	switch status {
	case "ASSIGNED":
		if j.AssignedAt == 0 {
			j.AssignedAt = now
		}
		if j.AcceptedAt == 0 {
			j.AcceptedAt = now
		}
	case "IN_PROGRESS":
		if j.AssignedAt == 0 {
			j.AssignedAt = now
		}
	case "BROADCASTED", "CREATED":
		j.ProviderID = ""
		j.AssignedAt, j.AcceptedAt, j.LockedAt = 0, 0, 0
	}
	j.Status = status
	j.UpdatedAt = now

	_, err = tx.Exec(`
		UPDATE jobs SET status = ?, provider_id = ?, locked_at = ?, assigned_at = ?, accepted_at = ?, updated_at = ?
		WHERE id = ?`,
		j.Status, j.ProviderID, nullMillis(j.LockedAt), nullMillis(j.AssignedAt), nullMillis(j.AcceptedAt), j.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

// RecordLocation stores a device position for job jobID.
func (db *DB) RecordLocation(l Location) error {
	_, err := db.Exec(`INSERT INTO job_locations (job_id, lat, lng, recorded_at) VALUES (?, ?, ?, ?)`,
		l.JobID, l.Lat, l.Lng, l.RecordedAt)
	if err != nil {
		return fmt.Errorf("record location %s: %w", l.JobID, err)
	}
	return nil
}

// LatestLocation returns the newest recorded position of jobID.
func (db *DB) LatestLocation(jobID string) (*Location, error) {
	var l Location
	err := db.QueryRow(`
		SELECT job_id, lat, lng, recorded_at FROM job_locations
		WHERE job_id = ? ORDER BY recorded_at DESC, id DESC LIMIT 1`, jobID).
		Scan(&l.JobID, &l.Lat, &l.Lng, &l.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var j Job
	var locked, assigned, accepted sql.NullInt64
	if err := s.Scan(&j.ID, &j.Status, &j.CustomerID, &j.ProviderID, &j.PickupLat, &j.PickupLng,
		&j.DropoffLat, &j.DropoffLng, &j.PickupAddress, &j.DropoffAddress,
		&locked, &assigned, &accepted, &j.UpdatedAt, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.LockedAt, j.AssignedAt, j.AcceptedAt = locked.Int64, assigned.Int64, accepted.Int64
	return &j, nil
}

func nullMillis(ms int64) sql.NullInt64 {
	return sql.NullInt64{Int64: ms, Valid: ms != 0}
}
