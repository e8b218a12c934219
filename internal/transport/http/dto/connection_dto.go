package dto

import (
	"time"

	"github.com/jinzhu/copier"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
)

type CreateConnectionRequest struct {
	Name         string `json:"name"`
	Hostname     string `json:"hostname"`
	Port         int    `json:"port"`
	Type         string `json:"type"`
	OSType       string `json:"os_type"`
	Username     string `json:"username"`
	Description  string `json:"description"`
	CredentialID *uint  `json:"credential_id"`
}

func (r *CreateConnectionRequest) Input() ports.CreateConnectionInput {
	var in ports.CreateConnectionInput
	_ = copier.Copy(&in, r)
	return in
}

type UpdateConnectionRequest struct {
	Name         *string `json:"name"`
	Hostname     *string `json:"hostname"`
	Port         *int    `json:"port"`
	OSType       *string `json:"os_type"`
	Username     *string `json:"username"`
	Description  *string `json:"description"`
	IsActive     *bool   `json:"is_active"`
	CredentialID *uint   `json:"credential_id"`
}

func (r *UpdateConnectionRequest) Input() ports.UpdateConnectionInput {
	return ports.UpdateConnectionInput{
		Name:         r.Name,
		Hostname:     r.Hostname,
		Port:         r.Port,
		OSType:       r.OSType,
		Username:     r.Username,
		Description:  r.Description,
		IsActive:     r.IsActive,
		CredentialID: r.CredentialID,
	}
}

type ConnectionResponse struct {
	ID           uint      `json:"id"`
	Name         string    `json:"name"`
	Hostname     string    `json:"hostname"`
	Port         int       `json:"port"`
	Type         string    `json:"type"`
	OSType       string    `json:"os_type"`
	Username     string    `json:"username"`
	Description  string    `json:"description,omitempty"`
	IsActive     bool      `json:"is_active"`
	CredentialID *uint     `json:"credential_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func ConnectionToResponse(conn *domain.Connection) ConnectionResponse {
	var resp ConnectionResponse
	_ = copier.Copy(&resp, conn)
	return resp
}

func ConnectionsToResponse(conns []domain.Connection) []ConnectionResponse {
	out := make([]ConnectionResponse, len(conns))
	for i := range conns {
		out[i] = ConnectionToResponse(&conns[i])
	}
	return out
}

type CreateGroupRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	RulePattern   string `json:"rule_pattern"`
	RuleOSType    string `json:"rule_os_type"`
	ConnectionIDs []uint `json:"connection_ids"`
}

func (r *CreateGroupRequest) Input() ports.CreateGroupInput {
	var in ports.CreateGroupInput
	_ = copier.Copy(&in, r)
	return in
}

type SetMembersRequest struct {
	ConnectionIDs []uint `json:"connection_ids"`
}

type GroupResponse struct {
	ID            uint      `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	RulePattern   string    `json:"rule_pattern,omitempty"`
	RuleOSType    string    `json:"rule_os_type,omitempty"`
	Dynamic       bool      `json:"dynamic"`
	ConnectionIDs []uint    `json:"connection_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

// GroupToResponse reports members as stored; for rule based groups pass the
// evaluated ids.
func GroupToResponse(group *domain.Group, members []uint) GroupResponse {
	var resp GroupResponse
	_ = copier.Copy(&resp, group)
	resp.Dynamic = group.IsDynamic()
	resp.ConnectionIDs = members
	if resp.ConnectionIDs == nil {
		resp.ConnectionIDs = []uint{}
	}
	return resp
}

type CreateCredentialRequest struct {
	Name         string `json:"name"`
	Username     string `json:"username"`
	AuthType     string `json:"auth_type"`
	Password     string `json:"password"`
	PrivateKey   string `json:"private_key"`
	Passphrase   string `json:"passphrase"`
	MatchOSType  string `json:"match_os_type"`
	MatchPattern string `json:"match_pattern"`
	Priority     int    `json:"priority"`
}

func (r *CreateCredentialRequest) Input() ports.CreateCredentialInput {
	var in ports.CreateCredentialInput
	_ = copier.Copy(&in, r)
	return in
}

// CredentialResponse never carries secret material.
type CredentialResponse struct {
	ID           uint      `json:"id"`
	Name         string    `json:"name"`
	Username     string    `json:"username"`
	AuthType     string    `json:"auth_type"`
	MatchOSType  string    `json:"match_os_type,omitempty"`
	MatchPattern string    `json:"match_pattern,omitempty"`
	Priority     int       `json:"priority"`
	CreatedAt    time.Time `json:"created_at"`
}

func CredentialsToResponse(creds []domain.Credential) []CredentialResponse {
	out := make([]CredentialResponse, len(creds))
	for i := range creds {
		_ = copier.Copy(&out[i], &creds[i])
	}
	return out
}
