package integrity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/render"
	"github.com/lumenhouse/esign/pkg/signerr"
)

type sealMap map[string]*Seal

func (m sealMap) Seal(_ context.Context, id string) (*Seal, error) {
	return m[id], nil
}

func setup(t *testing.T) (*Verifier, *artifact.FSStore, sealMap, *audit.Store) {
	t.Helper()
	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	auditStore := audit.NewStore(db)
	require.NoError(t, auditStore.AutoMigrate())

	seals := sealMap{}
	return NewVerifier(seals, store, auditStore, nil), store, seals, auditStore
}

func generate(t *testing.T, store artifact.Store, seals sealMap, id string) string {
	t.Helper()
	pdf, hash, err := render.NewRenderer(render.DefaultConfig(), nil, nil).
		PDF("<h1>Portrait Session</h1><p>Terms.</p>", render.Meta{Number: "CTR-1", Title: "Portrait", Created: time.Unix(1_780_000_000, 0)})
	require.NoError(t, err)
	path := artifact.UnsignedPath(id)
	require.NoError(t, store.Write(context.Background(), path, pdf))
	seals[id] = &Seal{Path: path, Hash: hash}
	return hash
}

func TestRoundTripThenTamper(t *testing.T) {
	v, store, seals, _ := setup(t)
	ctx := context.Background()
	hash := generate(t, store, seals, "doc-1")

	res, err := v.Verify(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, hash, res.RecomputedHash)
	assert.Equal(t, hash, res.SealedHash)

	full := filepath.Join(store.Root(), filepath.FromSlash(artifact.UnsignedPath("doc-1")))
	data, err := os.ReadFile(full)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, os.WriteFile(full, data, 0o600))

	res, err = v.Verify(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEqual(t, res.SealedHash, res.RecomputedHash)

	_, err = v.Require(ctx, "doc-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, signerr.ErrIntegrityMismatch))
	e, _ := signerr.As(err)
	assert.Equal(t, hash, e.SealedHash)
	assert.Equal(t, res.RecomputedHash, e.RecomputedHash)
}

func TestMissingArtifactIsInvalid(t *testing.T) {
	v, store, seals, _ := setup(t)
	ctx := context.Background()
	generate(t, store, seals, "doc-1")
	require.NoError(t, store.RemoveDocument(ctx, "doc-1"))

	res, err := v.Verify(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Empty(t, res.RecomputedHash)
	assert.Equal(t, "artifact missing", res.Reason)
}

func TestNeverGenerated(t *testing.T) {
	v, _, seals, _ := setup(t)
	seals["draft"] = &Seal{}

	res, err := v.Verify(context.Background(), "draft")
	require.NoError(t, err)
	assert.False(t, res.Valid)

	_, err = v.Verify(context.Background(), "unknown")
	assert.True(t, errors.Is(err, signerr.ErrNotFound))
}

func TestCheckIsAudited(t *testing.T) {
	v, store, seals, auditStore := setup(t)
	ctx := context.Background()
	generate(t, store, seals, "doc-1")

	res, err := v.Check(ctx, "doc-1", "admin@studio")
	require.NoError(t, err)
	assert.True(t, res.Valid)

	entry, err := auditStore.Latest(ctx, "doc-1", audit.ActionIntegrityChecked)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "admin@studio", entry.Actor)
	assert.Equal(t, true, entry.Metadata["valid"])
}
