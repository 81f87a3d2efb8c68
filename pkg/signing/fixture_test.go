package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/integrity"
	"github.com/lumenhouse/esign/pkg/jobs"
	"github.com/lumenhouse/esign/pkg/notify"
	"github.com/lumenhouse/esign/pkg/otp"
	"github.com/lumenhouse/esign/pkg/render"
	"github.com/lumenhouse/esign/pkg/session"
	"github.com/lumenhouse/esign/pkg/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
}

func (c *mapCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	if ok {
		c.hits++
	}
	return b, ok
}

func (c *mapCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = value
}

const weddingBody = `<h1>Wedding Photography Agreement</h1>
<p>Client: {{client_name}}</p>
<p>Event date: {{event_date}}</p>`

type fixture struct {
	svc       *Service
	auth      *otp.Authenticator
	tokens    *token.Service
	sessions  *session.Manager
	audit     *audit.Store
	outbox    *notify.Outbox
	artifacts *artifact.FSStore
	jobs      *jobs.JobStore
	workers   *jobs.WorkerPool
	verifier  *integrity.Verifier
	views     *mapCache
	clock     *fakeClock
}

// newFixture wires the signing service to real stores on a private
// in-memory database. With queued set, sealing and notifications go through
// the job queue and run on drain().
func newFixture(t *testing.T, queued bool) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	clock := &fakeClock{now: time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)}
	artifacts, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		tokens:    token.NewService(db, token.DefaultConfig(), nil).WithClock(clock.Now),
		sessions:  session.NewManager(db, session.DefaultConfig(), nil).WithClock(clock.Now),
		audit:     audit.NewStore(db).WithClock(clock.Now),
		outbox:    &notify.Outbox{},
		artifacts: artifacts,
		views:     &mapCache{},
		clock:     clock,
	}
	require.NoError(t, f.tokens.AutoMigrate())
	require.NoError(t, f.sessions.AutoMigrate())
	require.NoError(t, f.audit.AutoMigrate())

	store := NewStore(db)
	require.NoError(t, store.AutoMigrate())

	if queued {
		f.jobs = jobs.NewJobStore(db)
		require.NoError(t, f.jobs.AutoMigrate())
		f.workers = jobs.NewWorkerPool(f.jobs, jobs.Config{Concurrency: 1, MaxRetries: 2, PollInterval: 20 * time.Millisecond}, nil)
	}

	library := render.NewLibrary(render.Template{
		ID:       "wedding",
		Title:    "Wedding Photography Agreement",
		Body:     weddingBody,
		Required: []string{"client_name", "event_date"},
	})
	delivery := notify.RetryPolicy{Attempts: 2, Backoff: time.Millisecond}

	f.svc = NewService(Config{}, Deps{
		Store:     store,
		Tokens:    f.tokens,
		Sessions:  f.sessions,
		Audit:     f.audit,
		Renderer:  render.NewRenderer(render.DefaultConfig(), library, nil),
		Artifacts: artifacts,
		Jobs:      f.jobs,
		Mailer:    f.outbox,
		Delivery:  delivery,
		Views:     f.views,
	}).WithClock(clock.Now)
	if f.workers != nil {
		f.svc.RegisterJobs(f.workers)
	}

	f.auth = otp.NewAuthenticator(db, otp.Config{BcryptCost: bcrypt.MinCost, Delivery: delivery}, otp.Deps{
		Tokens:    f.tokens,
		Sessions:  f.sessions,
		Audit:     f.audit,
		Mailer:    f.outbox,
		Directory: f.svc,
		Listener:  f.svc,
	}).WithClock(clock.Now)
	require.NoError(t, f.auth.AutoMigrate())

	f.verifier = integrity.NewVerifier(f.svc, artifacts, f.audit, nil)
	return f
}

func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	require.NotNil(t, f.workers, "fixture was built without a job queue")
	return f.workers.Drain(context.Background())
}

var (
	linkPattern = regexp.MustCompile(`/sign/([A-Za-z0-9_-]+)`)
	codePattern = regexp.MustCompile(`is (\d+)\.`)
)

// link returns the token of the latest signing link mailed to email.
func (f *fixture) link(t *testing.T, email, kind string) string {
	t.Helper()
	msg, ok := f.outbox.Last(email, kind)
	require.True(t, ok, "no %s message for %s", kind, email)
	m := linkPattern.FindStringSubmatch(msg.Body)
	require.Len(t, m, 2)
	return m[1]
}

// verify walks the OTP flow for a link token and returns the session.
func (f *fixture) verify(t *testing.T, tokenValue, email string) *session.Session {
	t.Helper()
	ctx := context.Background()
	_, err := f.auth.RequestChallenge(ctx, tokenValue, email)
	require.NoError(t, err)
	msg, ok := f.outbox.Last(email, notify.KindOTP)
	require.True(t, ok)
	m := codePattern.FindStringSubmatch(msg.Body)
	require.Len(t, m, 2)
	sess, err := f.auth.Verify(ctx, tokenValue, m[1])
	require.NoError(t, err)
	return sess
}

func (f *fixture) signature(t *testing.T, sess *session.Session, name string) SignatureInput {
	t.Helper()
	return SignatureInput{
		SessionID:        sess.ID,
		SignatureDataURL: pngDataURL(t),
		SignerName:       name,
		SignerEmail:      sess.Email,
		AgreedToTerms:    true,
		IPAddress:        "203.0.113.7",
		UserAgent:        "test-agent",
	}
}

func (f *fixture) actions(t *testing.T, documentID string) []audit.Action {
	t.Helper()
	var out []audit.Action
	for rec, err := range f.audit.Entries(context.Background(), documentID, 50) {
		require.NoError(t, err)
		out = append(out, rec.Action)
	}
	return out
}

func (f *fixture) contract(t *testing.T, expiresAt *time.Time) *Document {
	t.Helper()
	doc, err := f.svc.CreateContract(context.Background(), ContractInput{
		Title:      "Wedding Photography Agreement",
		TemplateID: "wedding",
		Variables:  map[string]string{"client_name": "Ana Lúcia", "event_date": "2026-09-12"},
		Recipient:  SignerInput{Name: "Ana Lúcia", Email: "Ana@Example.com"},
		ExpiresAt:  expiresAt,
	}, "studio@lumenhouse.test")
	require.NoError(t, err)
	return doc
}

func (f *fixture) sentContract(t *testing.T, expiresAt *time.Time) *Document {
	t.Helper()
	doc := f.contract(t, expiresAt)
	sent, err := f.svc.Send(context.Background(), doc.ID, "studio@lumenhouse.test")
	require.NoError(t, err)
	return sent
}

func (f *fixture) envelope(t *testing.T, workflow Workflow) *Document {
	t.Helper()
	doc, err := f.svc.CreateEnvelope(context.Background(), EnvelopeInput{
		Title:     "Family Session Model Release",
		Body:      "<h1>Model Release</h1><p>Family: {{family}}</p>",
		Variables: map[string]string{"family": "Silva"},
		Workflow:  workflow,
		Signers: []SignerInput{
			{Name: "Alice Silva", Email: "alice@example.com", Role: "Parent", Position: 1},
			{Name: "Bob Silva", Email: "bob@example.com", Role: "Parent", Position: 2},
		},
	}, "studio@lumenhouse.test")
	require.NoError(t, err)
	return doc
}

func signerID(t *testing.T, doc *Document, email string) string {
	t.Helper()
	for _, sg := range doc.Signers {
		if sg.Email == email {
			return sg.ID
		}
	}
	t.Fatalf("no signer %s on %s", email, doc.ID)
	return ""
}

func pngDataURL(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 3))
	img.Set(2, 1, color.Black)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}
