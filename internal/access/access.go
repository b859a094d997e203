// Package access manages which users may run which extraction models.
package access

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

// GrantOptions carries the optional parts of a grant.
type GrantOptions struct {
	GrantedBy  string
	CustomName string
	ExpiresAt  *time.Time
}

// Manager grants, revokes and checks model access. Expiry is evaluated on
// every check; no background job flips grants.
type Manager struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager.
func New(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "access")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Grant creates or refreshes the (model, user) grant and marks it active.
func (m *Manager) Grant(ctx context.Context, modelID, userID string, opts GrantOptions) (*model.ModelAccess, error) {
	if modelID == "" || userID == "" {
		return nil, eris.Wrap(model.ErrValidation, "model and user are required")
	}
	if _, err := m.store.GetModel(ctx, modelID); err != nil {
		return nil, err
	}
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return nil, eris.Wrap(model.ErrValidation, "grant expiry must be in the future")
	}

	g := &model.ModelAccess{
		ModelID:   modelID,
		UserID:    userID,
		GrantedAt: now,
		ExpiresAt: opts.ExpiresAt,
		Active:    true,
		UpdatedAt: now,
	}
	if opts.GrantedBy != "" {
		g.GrantedBy = &opts.GrantedBy
	}
	if opts.CustomName != "" {
		g.CustomName = &opts.CustomName
	}

	if err := m.store.UpsertGrant(ctx, g); err != nil {
		return nil, eris.Wrapf(err, "access: grant %s to %s", modelID, userID)
	}
	m.log.Info("access granted",
		zap.String("model_id", modelID),
		zap.String("user_id", userID),
		zap.String("granted_by", opts.GrantedBy),
	)
	return m.store.GetGrant(ctx, modelID, userID)
}

// Revoke deactivates the grant, keeping the row.
func (m *Manager) Revoke(ctx context.Context, modelID, userID string) error {
	if err := m.store.SetGrantActive(ctx, modelID, userID, false, m.now().UTC()); err != nil {
		return err
	}
	m.log.Info("access revoked", zap.String("model_id", modelID), zap.String("user_id", userID))
	return nil
}

// IsUsable reports whether userID holds a usable grant on modelID at now.
func (m *Manager) IsUsable(ctx context.Context, modelID, userID string, now time.Time) (bool, error) {
	g, err := m.store.GetGrant(ctx, modelID, userID)
	if err != nil {
		if eris.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return g.Usable(now), nil
}

// Check returns ErrAccessDenied unless userID may use modelID now.
func (m *Manager) Check(ctx context.Context, modelID, userID string) error {
	ok, err := m.IsUsable(ctx, modelID, userID, m.now())
	if err != nil {
		return eris.Wrap(err, "access: check")
	}
	if !ok {
		return eris.Wrapf(model.ErrAccessDenied, "user %s has no usable grant on model %s", userID, modelID)
	}
	return nil
}

// Search finds active users matching query who lack a usable grant on
// excludeModel, as candidates for a new grant.
func (m *Manager) Search(ctx context.Context, query, excludeModel string, limit int) ([]model.User, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	users, err := m.store.ListUsers(ctx, store.UserFilter{
		Query:          NormalizeQuery(query),
		ExcludeModelID: excludeModel,
		ActiveOnly:     true,
		Now:            m.now().UTC(),
		Limit:          limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "access: search users")
	}
	return users, nil
}

// List returns the grants on modelID.
func (m *Manager) List(ctx context.Context, modelID string, activeOnly bool) ([]model.ModelAccess, error) {
	grants, err := m.store.ListGrants(ctx, store.GrantFilter{ModelID: modelID, ActiveOnly: activeOnly})
	if err != nil {
		return nil, eris.Wrap(err, "access: list grants")
	}
	return grants, nil
}

// NormalizeQuery folds compatibility characters (full-width letters,
// ligatures) and trims, so pasted addresses match stored ones.
func NormalizeQuery(q string) string {
	return strings.TrimSpace(norm.NFKC.String(q))
}
