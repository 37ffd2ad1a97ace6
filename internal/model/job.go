// Package model defines the Job data model shared by the Store, Scheduler,
// Executor, and Control API.
package model

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleParser is the five-field (minute hour dom month dow) cron
// grammar shared by Validate and the Scheduler, so any schedule string
// Validate accepts is guaranteed to also be schedulable.
var ScheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SourceType distinguishes the two variants of Source.
type SourceType string

const (
	SourceAPI SourceType = "api"
	SourceFile SourceType = "file"
)

// FileType names the parse format for a file-backed Source.
type FileType string

const (
	FileCSV FileType = "csv"
	FileJSON FileType = "json"
)

// Source is the tagged variant {api, url} | {file, path, file_type}.
type Source struct {
	Type SourceType `json:"source_type"`
	Location string `json:"location"`
	FileType FileType `json:"file_type,omitempty"`
}

// Job is the persisted configuration of one scheduled task.
type Job struct {
	Name string `json:"job_name"`
	Schedule string `json:"schedule_time"`
	Source Source `json:"data_source"`
	Transform string `json:"processing_script"`
	Recipients []string `json:"consumer_emails"`
	CreatedAt time.Time `json:"created_at"`
	LastRun *time.Time `json:"last_run,omitempty"`
}

// JobCreateDTO is the wire payload for Create and Update.
type JobCreateDTO struct {
	Name string `json:"job_name"`
	Schedule string `json:"schedule_time"`
	Source Source `json:"data_source"`
	Transform string `json:"processing_script"`
	Recipients []string `json:"consumer_emails"`
}

// ToJob builds a fresh Job from a DTO, stamping CreatedAt. Callers that
// need to preserve CreatedAt/LastRun across an Update do so explicitly
// (see store.Replace).
func (d JobCreateDTO) ToJob(now time.Time) Job {
	return Job{
		Name: d.Name,
		Schedule: d.Schedule,
		Source: d.Source,
		Transform: d.Transform,
		Recipients: append([]string(nil), d.Recipients...),
		CreatedAt: now,
	}
}

// ValidationError is returned by Validate and surfaced to API callers as
// a 400; it is never logged as a run failure.
type ValidationError struct {
	Field string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validate checks the structural constraints on a job definition: a
// name, a non-empty transform script, at least one well-formed
// recipient address, a source matching its declared type, and a
// parseable cron schedule. It does not check name uniqueness; that is
// the Store's job (NameInUse).
func (d JobCreateDTO) Validate() error {
	if d.Name == "" {
		return &ValidationError{"job_name", "must not be empty"}
	}
	if d.Transform == "" {
		return &ValidationError{"processing_script", "must not be empty"}
	}
	if len(d.Recipients) == 0 {
		return &ValidationError{"consumer_emails", "must contain at least one address"}
	}
	for _, addr := range d.Recipients {
		if _, err := mail.ParseAddress(addr); err != nil {
			return &ValidationError{"consumer_emails", fmt.Sprintf("invalid address %q", addr)}
		}
	}
	switch d.Source.Type {
	case SourceAPI:
		if d.Source.Location == "" {
			return &ValidationError{"data_source.location", "must not be empty for api source"}
		}
	case SourceFile:
		if d.Source.Location == "" {
			return &ValidationError{"data_source.location", "must not be empty for file source"}
		}
		if d.Source.FileType != FileCSV && d.Source.FileType != FileJSON {
			return &ValidationError{"data_source.file_type", "required and must be csv or json for file source"}
		}
	default:
		return &ValidationError{"data_source.source_type", "must be api or file"}
	}
	if d.Schedule == "" {
		return &ValidationError{"schedule_time", "must not be empty"}
	}
	if _, err := ScheduleParser.Parse(d.Schedule); err != nil {
		return &ValidationError{"schedule_time", fmt.Sprintf("malformed cron expression: %v", err)}
	}
	return nil
}

// RunOutcome classifies a completed JobRun.
type RunOutcome string

const (
	RunSuccess RunOutcome = "success"
	RunFetchFailed RunOutcome = "fetch_failed"
	RunTransformFailed RunOutcome = "transform_failed"
	RunDeliveryFailed RunOutcome = "delivery_failed"
	RunCoalesced RunOutcome = "coalesced"
	RunCancelled RunOutcome = "cancelled"
)

// JobRun is the most-recent-run record kept per job name.
type JobRun struct {
	JobName string `json:"job_name"`
	StartedAt time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome RunOutcome `json:"outcome"`
	Detail string `json:"detail,omitempty"`
}
