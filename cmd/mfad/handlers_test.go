package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/memstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const testAdminToken = "admin-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t     *testing.T
	srv   *httptest.Server
	clock *testClock
	store *memstore.Store
	mr    *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := goMFA.DefaultConfig()
	cfg.Keys.AuditSigningKey = bytes.Repeat([]byte{'a'}, 32)
	cfg.Keys.SecretEncryptionKey = bytes.Repeat([]byte{'e'}, 32)
	cfg.Lockout.Threshold = 3
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true

	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize))
	cfg.Assertion.Enabled = true
	cfg.Assertion.SigningMethod = "ed25519"
	cfg.Assertion.PrivateKey = priv
	cfg.Assertion.PublicKey = priv.Public().(ed25519.PublicKey)

	clk := &testClock{now: time.Unix(1_700_000_010, 0)}
	store := memstore.New()
	engine, err := goMFA.New().
		WithConfig(cfg).
		WithConfigStore(store).
		WithAuditStore(store).
		WithRedis(rdb).
		WithClock(clk.Now).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	srv := httptest.NewServer(newRouter(&server{
		engine:     engine,
		logger:     zap.NewNop(),
		adminToken: testAdminToken,
	}))
	t.Cleanup(srv.Close)

	return &harness{t: t, srv: srv, clock: clk, store: store, mr: mr}
}

func (h *harness) do(method, path, user string, body any) *http.Response {
	h.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		h.t.Fatalf("NewRequest: %v", err)
	}
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := h.srv.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	h.t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (h *harness) admin(method, path string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, nil)
	if err != nil {
		h.t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	res, err := h.srv.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	h.t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (h *harness) code(secret string) string {
	h.t.Helper()
	code, err := totp.GenerateCodeCustom(secret, h.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		h.t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

// enroll runs setup and confirm for user and moves past the confirmed step.
func (h *harness) enroll(user string) (string, []string) {
	h.t.Helper()
	res := h.do(http.MethodPost, "/v1/mfa/"+user+"/setup", user, setupRequest{Account: user + "@example.com"})
	wantStatus(h.t, res, http.StatusOK)
	var setup setupResponse
	decode(h.t, res, &setup)
	if !strings.HasPrefix(setup.ProvisioningURI, "otpauth://totp/") {
		h.t.Fatalf("provisioning uri = %q", setup.ProvisioningURI)
	}

	res = h.do(http.MethodPost, "/v1/mfa/"+user+"/confirm", user, codeRequest{Code: h.code(setup.Secret)})
	wantStatus(h.t, res, http.StatusOK)
	var confirm backupCodesResponse
	decode(h.t, res, &confirm)
	h.clock.Advance(30 * time.Second)
	return setup.Secret, confirm.BackupCodes
}

func wantStatus(t *testing.T, res *http.Response, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status = %d, want %d", res.Request.Method, res.Request.URL.Path, res.StatusCode, want)
	}
}

func decode(t *testing.T, res *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func wrongCode(code string) string {
	last := code[len(code)-1]
	if last == '9' {
		last = '0'
	} else {
		last++
	}
	return code[:len(code)-1] + string(last)
}

func TestMFAFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	secret, backups := h.enroll("alice")
	if len(backups) != 8 {
		t.Fatalf("backup codes = %d, want 8", len(backups))
	}

	res := h.do(http.MethodPost, "/v1/mfa/alice/verify", "alice", codeRequest{Code: h.code(secret)})
	wantStatus(t, res, http.StatusOK)
	var vr verifyResponse
	decode(t, res, &vr)
	if !vr.Verified || vr.Method != "totp" || vr.Assertion == "" {
		t.Fatalf("verify response = %+v", vr)
	}

	// Same step again is a replay.
	res = h.do(http.MethodPost, "/v1/mfa/alice/verify", "alice", codeRequest{Code: h.code(secret)})
	wantStatus(t, res, http.StatusUnauthorized)

	res = h.do(http.MethodPost, "/v1/mfa/alice/verify", "alice", codeRequest{Code: backups[0]})
	wantStatus(t, res, http.StatusOK)
	decode(t, res, &vr)
	if vr.Method != "backup_code" || vr.RemainingBackupCodes != 7 {
		t.Fatalf("backup verify = %+v", vr)
	}

	res = h.do(http.MethodGet, "/v1/mfa/alice/backup-codes/remaining", "alice", nil)
	wantStatus(t, res, http.StatusOK)
	var remaining map[string]int
	decode(t, res, &remaining)
	if remaining["remaining"] != 7 {
		t.Fatalf("remaining = %v", remaining)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/session/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+vr.Assertion)
	who, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	defer who.Body.Close()
	wantStatus(t, who, http.StatusOK)
	var claims map[string]any
	decode(t, who, &claims)
	if claims["user_id"] != "alice" || claims["method"] != "backup_code" {
		t.Fatalf("whoami = %v", claims)
	}
}

func TestUserHeaderMustMatchPath(t *testing.T) {
	h := newHarness(t)
	res := h.do(http.MethodPost, "/v1/mfa/alice/setup", "mallory", nil)
	wantStatus(t, res, http.StatusForbidden)
	res = h.do(http.MethodPost, "/v1/mfa/alice/setup", "", nil)
	wantStatus(t, res, http.StatusForbidden)
}

func TestVerifyErrorMapping(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodPost, "/v1/mfa/bob/verify", "bob", codeRequest{Code: "123456"})
	wantStatus(t, res, http.StatusNotFound)

	secret, _ := h.enroll("bob")

	res = h.do(http.MethodPost, "/v1/mfa/bob/verify", "bob", codeRequest{Code: "12a456"})
	wantStatus(t, res, http.StatusBadRequest)

	res = h.do(http.MethodPost, "/v1/mfa/bob/verify", "bob", map[string]int{"code": 1})
	wantStatus(t, res, http.StatusBadRequest)

	res = h.do(http.MethodPost, "/v1/mfa/bob/setup", "bob", nil)
	wantStatus(t, res, http.StatusConflict)

	res = h.do(http.MethodPost, "/v1/mfa/bob/verify", "bob", codeRequest{Code: wrongCode(h.code(secret))})
	wantStatus(t, res, http.StatusUnauthorized)

	res = h.do(http.MethodPost, "/v1/mfa/bob/disable", "bob", nil)
	wantStatus(t, res, http.StatusNoContent)
	res = h.do(http.MethodPost, "/v1/mfa/bob/verify", "bob", codeRequest{Code: h.code(secret)})
	wantStatus(t, res, http.StatusConflict)
}

func TestLockoutOverHTTP(t *testing.T) {
	h := newHarness(t)
	secret, _ := h.enroll("carol")

	for i := 0; i < 3; i++ {
		res := h.do(http.MethodPost, "/v1/mfa/carol/verify", "carol", codeRequest{Code: wrongCode(h.code(secret))})
		wantStatus(t, res, http.StatusUnauthorized)
	}

	res := h.do(http.MethodPost, "/v1/mfa/carol/verify", "carol", codeRequest{Code: h.code(secret)})
	wantStatus(t, res, http.StatusTooManyRequests)
	if res.Header.Get("Retry-After") != "900" {
		t.Fatalf("Retry-After = %q, want 900", res.Header.Get("Retry-After"))
	}

	res = h.do(http.MethodGet, "/v1/mfa/carol/lockout", "carol", nil)
	wantStatus(t, res, http.StatusOK)
	var st lockoutResponse
	decode(t, res, &st)
	if !st.Locked || st.RemainingSeconds != 900 || st.FailedCount != 3 {
		t.Fatalf("lockout = %+v", st)
	}
	if len(h.mr.Keys()) == 0 {
		t.Fatalf("expected lockout state in redis")
	}

	wantStatus(t, h.admin(http.MethodPost, "/v1/admin/lockout/carol/reset"), http.StatusNoContent)
	res = h.do(http.MethodPost, "/v1/mfa/carol/verify", "carol", codeRequest{Code: h.code(secret)})
	wantStatus(t, res, http.StatusOK)
}

func TestAdminAudit(t *testing.T) {
	h := newHarness(t)
	secret, _ := h.enroll("dave")
	wantStatus(t, h.do(http.MethodPost, "/v1/mfa/dave/verify", "dave", codeRequest{Code: h.code(secret)}), http.StatusOK)

	res := h.do(http.MethodGet, "/v1/admin/audit/dave/verify", "", nil)
	wantStatus(t, res, http.StatusUnauthorized)

	res = h.admin(http.MethodGet, "/v1/admin/audit/dave/verify")
	wantStatus(t, res, http.StatusOK)
	var rep goMFA.ChainReport
	decode(t, res, &rep)
	if !rep.Valid || rep.Checked != 2 {
		t.Fatalf("chain report = %+v", rep)
	}

	res = h.admin(http.MethodGet, "/v1/admin/audit/dave?from=2&limit=10")
	wantStatus(t, res, http.StatusOK)
	var entries []goMFA.AuditLogEntry
	decode(t, res, &entries)
	if len(entries) != 1 || entries[0].Action != goMFA.AuditVerifySuccess {
		t.Fatalf("entries = %+v", entries)
	}

	h.store.Tamper("dave", 1, func(e *goMFA.AuditLogEntry) { e.Action = goMFA.AuditVerifyFailure })
	res = h.admin(http.MethodGet, "/v1/admin/audit/dave/verify")
	wantStatus(t, res, http.StatusConflict)
	decode(t, res, &rep)
	if rep.Valid || rep.FirstBadIndex != 1 {
		t.Fatalf("tampered report = %+v", rep)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	h := newHarness(t)
	h.enroll("erin")

	res := h.do(http.MethodGet, "/healthz", "", nil)
	wantStatus(t, res, http.StatusNoContent)

	res = h.do(http.MethodGet, "/metrics", "", nil)
	wantStatus(t, res, http.StatusOK)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(res.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), "gomfa_setup_confirmed_total 1") {
		t.Fatalf("metrics output missing setup counter:\n%s", buf.String())
	}

	res = h.admin(http.MethodGet, "/v1/admin/security-report")
	wantStatus(t, res, http.StatusOK)
}
