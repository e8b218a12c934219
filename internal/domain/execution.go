package domain

import (
	"database/sql/driver"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ==================== FILTERS ====================

type FilterType string

const (
	FilterAll       FilterType = "all"
	FilterGroup     FilterType = "group"
	FilterPattern   FilterType = "pattern"
	FilterSelection FilterType = "selection"
	FilterOS        FilterType = "os"
)

// HostFilter selects the targets of an execution. Only the field matching
// Type is consulted.
type HostFilter struct {
	Type          FilterType `json:"type"`
	GroupID       uint       `json:"group_id,omitempty"`
	Pattern       string     `json:"pattern,omitempty"`
	ConnectionIDs []uint     `json:"connection_ids,omitempty"`
	OSType        string     `json:"os_type,omitempty"`
}

type TargetOS string

const (
	TargetOSAll     TargetOS = "all"
	TargetOSLinux   TargetOS = "linux"
	TargetOSWindows TargetOS = "windows"
)

func (t TargetOS) Valid() bool {
	switch t {
	case "", TargetOSAll, TargetOSLinux, TargetOSWindows:
		return true
	}
	return false
}

// Matches reports whether a host with the given OS passes the target filter.
// Hosts with an unknown OS only pass when every OS is targeted.
func (t TargetOS) Matches(osType string) bool {
	switch t {
	case "", TargetOSAll:
		return true
	case TargetOSLinux:
		return OSFamilyOf(osType) == OSFamilyPOSIX
	case TargetOSWindows:
		return OSFamilyOf(osType) == OSFamilyWindows
	}
	return false
}

// CommandSpec is the immutable description of the work to run.
type CommandSpec struct {
	Name           string   `json:"name"`
	Body           string   `json:"body"`
	ScriptLanguage string   `json:"script_language,omitempty"`
	TargetOS       TargetOS `json:"target_os"`
}

// IsScript reports whether Body is a script file rather than a one-line command.
func (c CommandSpec) IsScript() bool {
	return c.ScriptLanguage != ""
}

// ==================== STATUS MACHINES ====================

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return next == ExecutionRunning || next == ExecutionFailed
	case ExecutionRunning:
		return next.IsTerminal()
	}
	return false
}

type ResultStatus string

const (
	ResultPending   ResultStatus = "pending"
	ResultRunning   ResultStatus = "running"
	ResultSuccess   ResultStatus = "success"
	ResultError     ResultStatus = "error"
	ResultSkipped   ResultStatus = "skipped"
	ResultCancelled ResultStatus = "cancelled"
)

func (s ResultStatus) IsTerminal() bool {
	switch s {
	case ResultSuccess, ResultError, ResultSkipped, ResultCancelled:
		return true
	}
	return false
}

// CanTransitionTo encodes the monotonic result lifecycle:
// pending -> running -> success|error|cancelled, or pending -> skipped.
func (s ResultStatus) CanTransitionTo(next ResultStatus) bool {
	switch s {
	case ResultPending:
		return next == ResultRunning || next == ResultSkipped
	case ResultRunning:
		return next == ResultSuccess || next == ResultError || next == ResultCancelled
	}
	return false
}

// ==================== AGGREGATE ====================

// CommandResult is the outcome of one host within an execution.
type CommandResult struct {
	ConnectionID   uint         `json:"connection_id"`
	ConnectionName string       `json:"connection_name"`
	Hostname       string       `json:"hostname"`
	Status         ResultStatus `json:"status"`
	ExitCode       *int         `json:"exit_code,omitempty"`
	Stdout         string       `json:"stdout,omitempty"`
	Stderr         string       `json:"stderr,omitempty"`
	Error          string       `json:"error,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

func (r CommandResult) Clone() CommandResult {
	out := r
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// CommandExecution is one batch run. It doubles as the persisted history row.
type CommandExecution struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	CommandName    string          `gorm:"size:255" json:"command_name"`
	Command        string          `gorm:"type:text;not null" json:"command"`
	ScriptLanguage string          `gorm:"size:50" json:"script_language,omitempty"`
	TargetOS       TargetOS        `gorm:"size:20;not null;default:'all'" json:"target_os"`
	Filter         HostFilter      `gorm:"serializer:json;type:text" json:"filter"`
	ConnectionIDs  IDList          `json:"connection_ids"`
	Status         ExecutionStatus `gorm:"size:20;not null;index" json:"status"`
	Error          string          `gorm:"type:text" json:"error,omitempty"`
	StartedAt      time.Time       `gorm:"not null;index" json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Results        ResultList      `json:"results"`
}

func (CommandExecution) TableName() string {
	return "command_executions"
}

func (e *CommandExecution) Clone() *CommandExecution {
	if e == nil {
		return nil
	}
	out := *e
	out.ConnectionIDs = append(IDList(nil), e.ConnectionIDs...)
	out.Filter.ConnectionIDs = append([]uint(nil), e.Filter.ConnectionIDs...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	out.Results = make(ResultList, len(e.Results))
	for i, r := range e.Results {
		out.Results[i] = r.Clone()
	}
	return &out
}

// ResultCounts tallies results by status.
func (e *CommandExecution) ResultCounts() map[ResultStatus]int {
	counts := make(map[ResultStatus]int, 6)
	for _, r := range e.Results {
		counts[r.Status]++
	}
	return counts
}

// AllResultsTerminal reports whether every host has reached a final state.
func (e *CommandExecution) AllResultsTerminal() bool {
	for _, r := range e.Results {
		if !r.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// ==================== JSON COLUMNS ====================

type ResultList []CommandResult

func (l ResultList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := sonic.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *ResultList) Scan(value interface{}) error {
	b, err := jsonBytes(value)
	if err != nil || b == nil {
		*l = nil
		return err
	}
	return sonic.Unmarshal(b, l)
}

func (ResultList) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonColumnType(db)
}

type IDList []uint

func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := sonic.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *IDList) Scan(value interface{}) error {
	b, err := jsonBytes(value)
	if err != nil || b == nil {
		*l = nil
		return err
	}
	return sonic.Unmarshal(b, l)
}

func (IDList) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonColumnType(db)
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, errors.New("failed to scan json column: invalid type")
}

func jsonColumnType(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "jsonb"
	case "mysql":
		return "json"
	}
	return "text"
}
