package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"regexp"
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
	"github.com/lumenhouse/esign/pkg/authz"
	"github.com/lumenhouse/esign/pkg/cache"
	"github.com/lumenhouse/esign/pkg/config"
	"github.com/lumenhouse/esign/pkg/integrity"
	"github.com/lumenhouse/esign/pkg/jobs"
	"github.com/lumenhouse/esign/pkg/notify"
	"github.com/lumenhouse/esign/pkg/otp"
	"github.com/lumenhouse/esign/pkg/render"
	"github.com/lumenhouse/esign/pkg/session"
	"github.com/lumenhouse/esign/pkg/signing"
	"github.com/lumenhouse/esign/pkg/token"
)

var (
	linkPattern = regexp.MustCompile(`/sign/([A-Za-z0-9_-]+)`)
	codePattern = regexp.MustCompile(`is (\d+)\.`)
)

type testEnv struct {
	handler   http.Handler
	outbox    *notify.Outbox
	audit     *audit.Store
	artifacts *artifact.FSStore
	jobs      *jobs.JobStore
	authn     *authz.Authenticator
}

func newTestEnv(t *testing.T, cfg config.ServerConfig) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	artifacts, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)

	tokens := token.NewService(db, token.DefaultConfig(), nil)
	sessions := session.NewManager(db, session.DefaultConfig(), nil)
	auditStore := audit.NewStore(db)
	jobStore := jobs.NewJobStore(db)
	store := signing.NewStore(db)
	require.NoError(t, tokens.AutoMigrate())
	require.NoError(t, sessions.AutoMigrate())
	require.NoError(t, auditStore.AutoMigrate())
	require.NoError(t, jobStore.AutoMigrate())
	require.NoError(t, store.AutoMigrate())

	library := render.NewLibrary(render.Template{
		ID:       "portrait",
		Title:    "Portrait Session Agreement",
		Body:     "<h1>Portrait Session</h1><p>Client: {{client_name}}</p>",
		Required: []string{"client_name"},
	})
	outbox := &notify.Outbox{}
	delivery := notify.RetryPolicy{Attempts: 1, Backoff: time.Millisecond}

	svc := signing.NewService(signing.Config{PublicURL: "https://sign.example.test"}, signing.Deps{
		Store:     store,
		Tokens:    tokens,
		Sessions:  sessions,
		Audit:     auditStore,
		Renderer:  render.NewRenderer(render.DefaultConfig(), library, nil),
		Artifacts: artifacts,
		Mailer:    outbox,
		Delivery:  delivery,
	})
	auth := otp.NewAuthenticator(db, otp.Config{BcryptCost: bcrypt.MinCost, Delivery: delivery}, otp.Deps{
		Tokens:    tokens,
		Sessions:  sessions,
		Audit:     auditStore,
		Mailer:    outbox,
		Directory: svc,
		Listener:  svc,
	})
	require.NoError(t, auth.AutoMigrate())

	authn, err := authz.NewAuthenticator(authz.Config{Mode: authz.AuthzModeJWT, Secret: "test-secret"}, nil)
	require.NoError(t, err)

	srv := NewServer(cfg, Deps{
		DB:            db,
		Signing:       svc,
		OTP:           auth,
		Tokens:        tokens,
		Verifier:      integrity.NewVerifier(svc, artifacts, auditStore, nil),
		Artifacts:     artifacts,
		Audit:         auditStore,
		Jobs:          jobStore,
		Templates:     library,
		Cache:         cache.NewCacheManager(cache.DefaultCacheConfig()),
		Authenticator: authn,
		Authorizer:    authz.NewAuthorizer(authz.DefaultConfig()),
		AuditConfig:   audit.DefaultConfig(),
	})
	return &testEnv{
		handler:   srv.Routes(),
		outbox:    outbox,
		audit:     auditStore,
		artifacts: artifacts,
		jobs:      jobStore,
		authn:     authn,
	}
}

func (e *testEnv) bearer(t *testing.T, user string, roles ...string) string {
	t.Helper()
	tok, err := e.authn.Sign(authz.Identity{User: user, Roles: roles}, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request through the router. body is JSON-encoded unless it is
// nil.
func (e *testEnv) do(t *testing.T, method, path, bearer string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "198.51.100.20:41000"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "api-test")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorBody struct {
	Error struct {
		Code              string `json:"code"`
		Current           string `json:"current"`
		AttemptsRemaining *int   `json:"attemptsRemaining"`
		RecomputedHash    string `json:"recomputedHash"`
		SealedHash        string `json:"sealedHash"`
	} `json:"error"`
	Errors []struct {
		Field string `json:"field"`
		Code  string `json:"code"`
	} `json:"errors"`
}

func (e *testEnv) linkFor(t *testing.T, email string) string {
	t.Helper()
	msg, ok := e.outbox.Last(email, notify.KindMagicLink)
	require.True(t, ok, "no link for %s", email)
	m := linkPattern.FindStringSubmatch(msg.Body)
	require.Len(t, m, 2)
	return m[1]
}

func (e *testEnv) codeFor(t *testing.T, email string) string {
	t.Helper()
	msg, ok := e.outbox.Last(email, notify.KindOTP)
	require.True(t, ok, "no code for %s", email)
	m := codePattern.FindStringSubmatch(msg.Body)
	require.Len(t, m, 2)
	return m[1]
}

// sentContract creates and sends a contract as admin and returns its id.
func (e *testEnv) sentContract(t *testing.T) string {
	t.Helper()
	admin := e.bearer(t, "studio@example.test", authz.RoleAdmin)
	rec := e.do(t, http.MethodPost, "/admin/contracts", admin, map[string]any{
		"title":      "Portrait Session Agreement",
		"templateId": "portrait",
		"variables":  map[string]string{"client_name": "Marta Reis"},
		"recipient":  map[string]string{"name": "Marta Reis", "email": "marta@example.test"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decode[signing.Document](t, rec)

	rec = e.do(t, http.MethodPost, "/admin/documents/"+doc.ID+"/send", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return doc.ID
}

// session walks request-otp and verify-otp for the latest link of email.
func (e *testEnv) session(t *testing.T, email string) string {
	t.Helper()
	link := e.linkFor(t, email)
	rec := e.do(t, http.MethodPost, "/contract/request-otp", "", map[string]string{"token": link, "email": email})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/contract/verify-otp", "", map[string]string{"token": link, "otp": e.codeFor(t, email)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[map[string]any](t, rec)
	id, _ := out["sessionId"].(string)
	require.NotEmpty(t, id)
	return id
}

func pngDataURL(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 8))
	for x := 2; x < 22; x++ {
		img.Set(x, 4, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}
