package ports

import (
	"context"

	"github.com/netly/fleet/internal/domain"
)

// HostProvider supplies the current connection and group state to the
// resolver. Dynamic group rules are evaluated by the provider.
type HostProvider interface {
	// ListHosts returns every active host ordered by connection id.
	ListHosts(ctx context.Context) ([]domain.Host, error)
	// GroupMembers returns member connection ids in group order.
	GroupMembers(ctx context.Context, groupID uint) ([]uint, error)
}

// CredentialResolver picks the credential for a host, either the explicit
// assignment or an auto-assigned one.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, host domain.Host) (*domain.HostCredential, error)
}

// ExecRequest is what a session is asked to run.
type ExecRequest struct {
	Command        string
	ScriptLanguage string
	OSFamily       domain.OSFamily
}

type ExecOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// RemoteExecutor opens short-lived sessions to a host for one transport.
type RemoteExecutor interface {
	Open(ctx context.Context, host domain.Host, cred *domain.HostCredential) (Session, error)
}

// Session runs a single command. A non-zero exit is reported through
// ExecOutput, not as an error.
type Session interface {
	Exec(ctx context.Context, req ExecRequest) (ExecOutput, error)
	Close() error
}

type ConnectionService interface {
	CreateConnection(ctx context.Context, input CreateConnectionInput) (*domain.Connection, error)
	GetConnections(ctx context.Context) ([]domain.Connection, error)
	GetConnectionByID(ctx context.Context, id uint) (*domain.Connection, error)
	UpdateConnection(ctx context.Context, id uint, input UpdateConnectionInput) (*domain.Connection, error)
	DeleteConnection(ctx context.Context, id uint) error
}

type CreateConnectionInput struct {
	Name         string
	Hostname     string
	Port         int
	Type         domain.ConnectionType
	OSType       string
	Username     string
	Description  string
	CredentialID *uint
}

type UpdateConnectionInput struct {
	Name         *string
	Hostname     *string
	Port         *int
	OSType       *string
	Username     *string
	Description  *string
	IsActive     *bool
	CredentialID *uint
}

type CreateGroupInput struct {
	Name          string
	Description   string
	RulePattern   string
	RuleOSType    string
	ConnectionIDs []uint
}

type CreateCredentialInput struct {
	Name         string
	Username     string
	AuthType     domain.AuthType
	Password     string
	PrivateKey   string
	Passphrase   string
	MatchOSType  string
	MatchPattern string
	Priority     int
}
