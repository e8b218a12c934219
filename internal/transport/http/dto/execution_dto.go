package dto

import (
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"github.com/netly/fleet/internal/domain"
)

type FilterRequest struct {
	Type          string `json:"type"`
	GroupID       uint   `json:"group_id,omitempty"`
	Pattern       string `json:"pattern,omitempty"`
	ConnectionIDs []uint `json:"connection_ids,omitempty"`
	OSType        string `json:"os_type,omitempty"`
}

type ExecuteRequest struct {
	Name               string        `json:"name"`
	Command            string        `json:"command"`
	ScriptLanguage     string        `json:"script_language,omitempty"`
	TargetOS           string        `json:"target_os,omitempty"`
	Filter             FilterRequest `json:"filter"`
	Workers            int           `json:"workers,omitempty"`
	HostTimeoutSeconds int           `json:"host_timeout_seconds,omitempty"`
	AllowEmpty         bool          `json:"allow_empty,omitempty"`
}

func (r *ExecuteRequest) Validate() []string {
	var errors []string

	if strings.TrimSpace(r.Command) == "" {
		errors = append(errors, "command is required")
	}
	switch domain.FilterType(strings.ToLower(r.Filter.Type)) {
	case "", domain.FilterAll, domain.FilterGroup, domain.FilterPattern, domain.FilterSelection, domain.FilterOS:
	default:
		errors = append(errors, "filter.type must be one of: all, group, pattern, selection, os")
	}
	if !domain.TargetOS(strings.ToLower(r.TargetOS)).Valid() {
		errors = append(errors, "target_os must be one of: all, linux, windows")
	}
	if r.Workers < 0 {
		errors = append(errors, "workers must not be negative")
	}
	if r.HostTimeoutSeconds < 0 {
		errors = append(errors, "host_timeout_seconds must not be negative")
	}

	return errors
}

func (r *ExecuteRequest) Spec() domain.CommandSpec {
	return domain.CommandSpec{
		Name:           r.Name,
		Body:           r.Command,
		ScriptLanguage: strings.ToLower(r.ScriptLanguage),
		TargetOS:       domain.TargetOS(strings.ToLower(r.TargetOS)),
	}
}

func (r *ExecuteRequest) HostFilter() domain.HostFilter {
	var f domain.HostFilter
	_ = copier.Copy(&f, &r.Filter)
	f.Type = domain.FilterType(strings.ToLower(string(f.Type)))
	if f.Type == "" {
		f.Type = domain.FilterAll
	}
	return f
}

func (r *ExecuteRequest) Timeout() time.Duration {
	return time.Duration(r.HostTimeoutSeconds) * time.Second
}

type ResultResponse struct {
	ConnectionID   uint       `json:"connection_id"`
	ConnectionName string     `json:"connection_name"`
	Hostname       string     `json:"hostname"`
	Status         string     `json:"status"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Stdout         string     `json:"stdout,omitempty"`
	Stderr         string     `json:"stderr,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

type ExecutionResponse struct {
	ID             string            `json:"id"`
	CommandName    string            `json:"command_name"`
	Command        string            `json:"command"`
	ScriptLanguage string            `json:"script_language,omitempty"`
	TargetOS       string            `json:"target_os"`
	Filter         domain.HostFilter `json:"filter"`
	ConnectionIDs  []uint            `json:"connection_ids"`
	Status         string            `json:"status"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Counts         map[string]int    `json:"counts"`
	Results        []ResultResponse  `json:"results"`
}

// ExecutionSummary is the history list entry. Output is left out.
type ExecutionSummary struct {
	ID          string         `json:"id"`
	CommandName string         `json:"command_name"`
	TargetOS    string         `json:"target_os"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	TargetCount int            `json:"target_count"`
	Counts      map[string]int `json:"counts"`
}

func counts(exec *domain.CommandExecution) map[string]int {
	out := make(map[string]int)
	for status, n := range exec.ResultCounts() {
		out[string(status)] = n
	}
	return out
}

func ExecutionToResponse(exec *domain.CommandExecution) ExecutionResponse {
	var resp ExecutionResponse
	_ = copier.Copy(&resp, exec)
	if resp.ConnectionIDs == nil {
		resp.ConnectionIDs = []uint{}
	}
	if resp.Results == nil {
		resp.Results = []ResultResponse{}
	}
	resp.Counts = counts(exec)
	return resp
}

func ExecutionsToSummaries(execs []domain.CommandExecution) []ExecutionSummary {
	out := make([]ExecutionSummary, len(execs))
	for i := range execs {
		_ = copier.Copy(&out[i], &execs[i])
		out[i].TargetCount = len(execs[i].Results)
		out[i].Counts = counts(&execs[i])
	}
	return out
}

// StreamMessage is one websocket frame of an execution stream. The first
// frame is a snapshot; the rest mirror bus events.
type StreamMessage struct {
	Type        string             `json:"type"`
	ExecutionID string             `json:"execution_id"`
	Sequence    uint64             `json:"sequence,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Status      string             `json:"status,omitempty"`
	Result      *ResultResponse    `json:"result,omitempty"`
	Execution   *ExecutionResponse `json:"execution,omitempty"`
}

const StreamSnapshot = "snapshot"

func SnapshotMessage(exec *domain.CommandExecution) StreamMessage {
	resp := ExecutionToResponse(exec)
	return StreamMessage{
		Type:        StreamSnapshot,
		ExecutionID: exec.ID,
		Timestamp:   time.Now(),
		Status:      string(exec.Status),
		Execution:   &resp,
	}
}

func EventMessage(ev domain.ExecutionEvent) StreamMessage {
	msg := StreamMessage{
		Type:        string(ev.Type),
		ExecutionID: ev.ExecutionID,
		Sequence:    ev.Sequence,
		Timestamp:   ev.Timestamp,
		Status:      string(ev.Status),
	}
	if ev.Result != nil {
		var r ResultResponse
		_ = copier.Copy(&r, ev.Result)
		msg.Result = &r
	}
	if ev.Execution != nil {
		resp := ExecutionToResponse(ev.Execution)
		msg.Execution = &resp
	}
	return msg
}
