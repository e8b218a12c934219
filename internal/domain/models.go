package domain

import (
	"database/sql/driver"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ==================== ENUMS ====================

type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthKey      AuthType = "key"
	AuthAgent    AuthType = "agent"
)

func (a AuthType) Valid() bool {
	return a == AuthPassword || a == AuthKey || a == AuthAgent
}

type EventStatus string

const (
	EventStatusPending EventStatus = "pending"
	EventStatusSuccess EventStatus = "success"
	EventStatusFailed  EventStatus = "failed"
)

// ==================== JSONB TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := sonic.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value interface{}) error {
	b, err := jsonBytes(value)
	if err != nil || b == nil {
		*j = nil
		return err
	}
	return sonic.Unmarshal(b, j)
}

func (JSONB) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonColumnType(db)
}

// ==================== ENTITIES ====================

type Connection struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name        string         `gorm:"size:255;not null" json:"name"`
	Hostname    string         `gorm:"size:255;not null;index" json:"hostname"`
	Port        int            `gorm:"default:22" json:"port"`
	Type        ConnectionType `gorm:"size:20;not null;default:'ssh'" json:"type"`
	OSType      string         `gorm:"size:50;index" json:"os_type"`
	Username    string         `gorm:"size:255" json:"username"`
	Description string         `gorm:"type:text" json:"description,omitempty"`
	IsActive    bool           `gorm:"default:true" json:"is_active"`
	Meta        JSONB          `json:"meta,omitempty"`

	CredentialID *uint       `gorm:"index" json:"credential_id,omitempty"`
	Credential   *Credential `gorm:"constraint:OnDelete:SET NULL" json:"-"`
}

// ToHost projects a stored connection onto an execution target.
func (c Connection) ToHost() Host {
	return Host{
		ConnectionID:   c.ID,
		Name:           c.Name,
		Hostname:       c.Hostname,
		Port:           c.Port,
		Username:       c.Username,
		OSType:         c.OSType,
		ConnectionType: c.Type,
		CredentialID:   c.CredentialID,
	}
}

// Group is either a static member list or, when a rule is set, a dynamic
// selection evaluated against the current connections.
type Group struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name        string `gorm:"size:255;uniqueIndex;not null" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`
	RulePattern string `gorm:"size:255" json:"rule_pattern,omitempty"`
	RuleOSType  string `gorm:"size:50" json:"rule_os_type,omitempty"`

	Members []GroupMember `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE" json:"members,omitempty"`
}

func (g Group) IsDynamic() bool {
	return g.RulePattern != "" || g.RuleOSType != ""
}

type GroupMember struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	GroupID      uint `gorm:"not null;uniqueIndex:idx_group_member" json:"group_id"`
	ConnectionID uint `gorm:"not null;uniqueIndex:idx_group_member;index" json:"connection_id"`
	Position     int  `gorm:"not null;default:0" json:"position"`
}

// Credential holds encrypted secrets. MatchOSType and MatchPattern drive
// auto-assignment for connections without an explicit credential.
type Credential struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name       string   `gorm:"size:255;uniqueIndex;not null" json:"name"`
	Username   string   `gorm:"size:255" json:"username"`
	AuthType   AuthType `gorm:"size:20;not null;default:'password'" json:"auth_type"`
	SecretData string   `gorm:"type:text" json:"-"`

	MatchOSType  string `gorm:"size:50" json:"match_os_type,omitempty"`
	MatchPattern string `gorm:"size:255" json:"match_pattern,omitempty"`
	Priority     int    `gorm:"default:0" json:"priority"`
}

type TimelineEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Type         string      `gorm:"size:100;not null;index" json:"type"`
	Status       EventStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	Message      string      `gorm:"type:text" json:"message"`
	Meta         JSONB       `json:"meta"`
	ResourceID   *uint       `gorm:"index" json:"resource_id,omitempty"`
	ResourceType string      `gorm:"size:100;index" json:"resource_type"`
}

type SystemSetting struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Key      string `gorm:"size:255;uniqueIndex;not null" json:"key"`
	Value    string `gorm:"type:text" json:"value"`
	Type     string `gorm:"size:50;default:'string'" json:"type"`
	Category string `gorm:"size:100;index" json:"category"`
}
