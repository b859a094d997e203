// Package storetest provides SQLite-backed stores and fixtures for tests of
// packages built on internal/store.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

// NewSQLite returns a migrated store in a per-test temp directory.
func NewSQLite(t testing.TB) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// SeedUser creates an active user holding credits. The balance is funded
// through a BONUS transaction so the ledger reconciles.
func SeedUser(t testing.TB, st store.Store, role model.Role, credits int64) *model.User {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.NewString()
	u := &model.User{
		ID:        id,
		Email:     id[:8] + "@example.com",
		Name:      "user " + id[:8],
		Role:      role,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateUser(ctx, u))

	if credits > 0 {
		updated, err := st.ApplyTransaction(ctx, &model.Transaction{
			ID:          uuid.NewString(),
			UserID:      u.ID,
			Type:        model.TxBonus,
			Credits:     credits,
			Status:      model.TxCompleted,
			Description: "seed",
			CreatedAt:   now,
		})
		require.NoError(t, err)
		u = updated
	}
	return u
}

// SeedModel creates an active extraction model.
func SeedModel(t testing.TB, st store.Store, id string, maxPages int) *model.ExtractionModel {
	t.Helper()
	m := model.ExtractionModel{
		ID:            id,
		Name:          "Model " + id,
		ProviderModel: "provider-" + id,
		MaxPages:      maxPages,
		Active:        true,
	}
	require.NoError(t, st.UpsertModels(context.Background(), []model.ExtractionModel{m}))
	return &m
}

// SeedGrant gives user access to modelID with no expiry.
func SeedGrant(t testing.TB, st store.Store, modelID, userID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.UpsertGrant(context.Background(), &model.ModelAccess{
		ModelID:   modelID,
		UserID:    userID,
		GrantedAt: now,
		Active:    true,
		UpdatedAt: now,
	}))
}

// NewJob builds an unsaved QUEUED job.
func NewJob(ownerID, modelID string, sessionID *string, pages int, now time.Time) *model.Job {
	return &model.Job{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		SessionID: sessionID,
		ModelID:   modelID,
		Status:    model.JobQueued,
		FileName:  "scan.pdf",
		FileSize:  1024,
		PageCount: pages,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

// NewSession builds an unsaved UPLOADING session.
func NewSession(ownerID string, now time.Time) *model.Session {
	id := uuid.NewString()
	return &model.Session{
		ID:            id,
		OwnerID:       ownerID,
		Name:          "batch",
		Status:        model.SessionUploading,
		StoragePrefix: model.SessionPrefix(id),
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(24 * time.Hour),
	}
}
