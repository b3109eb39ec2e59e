package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/donorrecon/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

const (
	ObjectReconciliation = "reconciliation"
	ObjectRecovery       = "recovery"
	ObjectDuplicates     = "duplicates"
	ObjectRecords        = "records"
	ObjectJobs           = "jobs"
)

const (
	ActionView = "view"
	ActionRun  = "run"
	ActionMark = "mark"
	// ActionDelete removes records already marked duplicate.
	ActionDelete = "delete"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidActor    = errors.New("invalid_actor")
	ErrInvalidObject   = errors.New("invalid_object")
	ErrInvalidAction   = errors.New("invalid_action")
	ErrUnknownRole     = errors.New("unknown_role")
)

// Operator is an authenticated caller of the admin surface.
type Operator struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (o Operator) subject() string {
	return "operator:" + o.Name
}

type Service interface {
	Authenticate(ctx context.Context, token string) (Operator, error)
	Authorize(ctx context.Context, op Operator, object, action string) error
}

type Params struct {
	fx.In

	Config   config.Config
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	tokens   []config.OperatorToken
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads policies from the casbin_rule table and seeds the role
// graph when it is missing.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

// NewMemoryEnforcer keeps policies in memory only. Used by the CLI and tests.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		tokens:   p.Config.Operators,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

// Authenticate matches a bearer token against every configured hash, so the
// time taken does not reveal which operator matched.
func (s *ServiceImpl) Authenticate(ctx context.Context, token string) (Operator, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Operator{}, ErrUnauthenticated
	}

	var (
		match Operator
		found bool
	)
	for _, t := range s.tokens {
		if VerifyToken(token, t.Hash) && !found {
			match = Operator{Name: t.Name, Role: t.Role}
			found = true
		}
	}
	if !found {
		s.log.Warn("authorization.token.rejected")
		return Operator{}, ErrUnauthenticated
	}
	if err := s.ensureGrouping(match); err != nil {
		return Operator{}, err
	}
	return match, nil
}

func (s *ServiceImpl) Authorize(ctx context.Context, op Operator, object, action string) error {
	if strings.TrimSpace(op.Name) == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}
	if err := s.ensureGrouping(op); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(op.subject(), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization.denied",
			zap.String("operator", op.Name),
			zap.String("role", op.Role),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	if action == ActionDelete {
		s.log.Info("authorization.granted",
			zap.String("operator", op.Name),
			zap.String("object", object),
			zap.String("action", action),
		)
	}
	return nil
}

// ensureGrouping binds the operator subject to exactly its configured role.
func (s *ServiceImpl) ensureGrouping(op Operator) error {
	role, err := roleName(op.Role)
	if err != nil {
		return err
	}
	subject := op.subject()

	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) >= 2 && rule[1] != role {
			if _, err := s.enforcer.RemoveGroupingPolicy(rule[0], rule[1]); err != nil {
				return err
			}
		}
	}
	has, err := s.enforcer.HasGroupingPolicy(subject, role)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, role)
	return err
}

func roleName(role string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleViewer, RoleOperator, RoleAdmin:
		return "role:" + strings.ToLower(strings.TrimSpace(role)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Viewer permissions (read-only)
		{"role:viewer", ObjectDuplicates, ActionView},
		{"role:viewer", ObjectJobs, ActionView},
		{"role:viewer", ObjectRecords, ActionView},

		// Operator permissions
		{"role:operator", ObjectReconciliation, ActionRun},
		{"role:operator", ObjectRecovery, ActionRun},
		{"role:operator", ObjectDuplicates, ActionMark},

		// Admin permissions
		{"role:admin", ObjectRecords, ActionDelete},
	}
	for _, p := range policies {
		has, err := enforcer.HasPolicy(p[0], p[1], p[2])
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(p[0], p[1], p[2]); err != nil {
			return err
		}
	}

	inherits := [][]string{
		{"role:operator", "role:viewer"},
		{"role:admin", "role:operator"},
	}
	for _, g := range inherits {
		has, err := enforcer.HasGroupingPolicy(g[0], g[1])
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddGroupingPolicy(g[0], g[1]); err != nil {
			return err
		}
	}
	return nil
}
