package auth

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowLedger/internal/errors"
)

// 认证相关错误码
const (
	CodeMissingToken     xerrors.Code = "MISSING_TOKEN"
	CodeInvalidToken     xerrors.Code = "INVALID_TOKEN"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeMissingToken, xerrors.Attributes{
		Message:  "missing bearer token",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidToken, xerrors.Attributes{
		Message:  "invalid token",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

// 内置权限
const (
	PermissionRead      = "ledger:read"
	PermissionWrite     = "ledger:write"
	PermissionLiquidate = "ledger:liquidate"
	PermissionAsset     = "asset:admin"
)

// Subject 是通过认证的调用方，绑定一个账本账户。
type Subject struct {
	Name        string
	Account     common.Address
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
// "*" grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return xerrors.New(CodeInvalidToken, "")
	}
	if s.Disabled {
		return xerrors.New(CodePermissionDenied, "subject is disabled", xerrors.WithMetadata("subject", s.Name))
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "missing "+perm, xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}

// Clone creates a copy of the subject that is safe to hand to handlers.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Name:        s.Name,
		Account:     s.Account,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "apikey"
)

// Config configures the authentication service.
type Config struct {
	Mode Mode        `yaml:"mode"`
	Keys []KeyConfig `yaml:"keys"`
}

// KeyConfig binds an API key to an account. Only the Keccak-256 hash of the
// key is configured.
type KeyConfig struct {
	Name        string   `yaml:"name"`
	Account     string   `yaml:"account"`
	KeyHash     string   `yaml:"key_hash"`
	Permissions []string `yaml:"permissions"`
	Disabled    bool     `yaml:"disabled"`
}
