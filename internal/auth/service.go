package auth

import (
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "FlowLedger/internal/errors"
	"FlowLedger/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证。
type Service struct {
	mode  Mode
	keys  map[common.Hash]*Subject
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		keys:  make(map[common.Hash]*Subject, len(cfg.Keys)),
		audit: logger.Audit(),
	}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported auth mode: "+string(cfg.Mode))
	}

	for _, key := range cfg.Keys {
		if !common.IsHexAddress(key.Account) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "auth key account is not a valid address",
				xerrors.WithMetadata("name", key.Name))
		}
		raw := common.FromHex(key.KeyHash)
		if len(raw) != common.HashLength {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "auth key hash must be 32 bytes",
				xerrors.WithMetadata("name", key.Name))
		}
		hash := common.BytesToHash(raw)
		if _, dup := svc.keys[hash]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, "duplicate auth key", xerrors.WithMetadata("name", key.Name))
		}
		subject := &Subject{
			Name:        key.Name,
			Account:     common.HexToAddress(key.Account),
			Permissions: append([]string(nil), key.Permissions...),
			Disabled:    key.Disabled,
		}
		subject.normalise()
		svc.keys[hash] = subject
	}
	if len(svc.keys) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "apikey mode requires at least one key")
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled reports whether requests must carry a key.
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// HashKey returns the value to put in KeyConfig.KeyHash for key.
func HashKey(key string) string {
	return crypto.Keccak256Hash([]byte(key)).Hex()
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if !s.Enabled() {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "authentication disabled")
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, xerrors.New(CodeMissingToken, "")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, xerrors.New(CodeMissingToken, "")
	}
	subject, ok := s.keys[crypto.Keccak256Hash([]byte(token))]
	if !ok {
		return nil, xerrors.New(CodeInvalidToken, "")
	}
	if subject.Disabled {
		return nil, xerrors.New(CodePermissionDenied, "subject is disabled", xerrors.WithMetadata("subject", subject.Name))
	}
	return subject.Clone(), nil
}
