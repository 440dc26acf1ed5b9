// Copyright 2025 James Ross
package store

import (
	"strconv"
	"time"
)

// Status is the lifecycle state of a Job, per the state machine in SPEC_FULL.md §4.1.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// TypeSGUCard is the only job type in scope.
const TypeSGUCard = "sgucard"

// Job is one row of the job_sgucard table.
type Job struct {
	ID          string
	Type        string
	CardNumber  string
	CardAlt     *string
	PatientID   *string
	Status      Status
	Attempts    int
	LastError   *string
	LockedBy    *string
	LockedAt    *time.Time
	LockedUntil *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SlotID derives the lease identity used as locked_by for the backend at the given index.
func SlotID(workerID string, backendIndex int) string {
	return workerID + ":" + strconv.Itoa(backendIndex)
}
