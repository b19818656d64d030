package memstore_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/memstore"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	auditKey = bytes.Repeat([]byte{'a'}, 32)
	encKey   = bytes.Repeat([]byte{'e'}, 32)
)

func newEngine(t *testing.T, sink goMFA.AuditSink) (*goMFA.Engine, *memstore.Store, *clock) {
	t.Helper()
	cfg := goMFA.DefaultConfig()
	cfg.Keys.AuditSigningKey = auditKey
	cfg.Keys.SecretEncryptionKey = encKey
	cfg.Metrics.Enabled = true
	if sink != nil {
		cfg.Audit.Enabled = true
		cfg.Audit.DropIfFull = false
	}

	store := memstore.New()
	clk := &clock{now: time.Unix(1_700_000_010, 0)}
	engine, err := goMFA.New().
		WithConfig(cfg).
		WithConfigStore(store).
		WithAuditStore(store).
		WithAuditSink(sink).
		WithClock(clk.Now).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, store, clk
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

func enroll(t *testing.T, e *goMFA.Engine, clk *clock, userID string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := e.BeginSetup(ctx, userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("BeginSetup: %v", err)
	}
	confirm, err := e.ConfirmSetup(ctx, userID, codeAt(t, setup.SecretBase32, clk.Now()))
	if err != nil {
		t.Fatalf("ConfirmSetup: %v", err)
	}
	clk.Advance(30 * time.Second)
	return setup.SecretBase32, confirm.BackupCodes
}

func actions(t *testing.T, e *goMFA.Engine, userID string) []goMFA.AuditAction {
	t.Helper()
	entries, err := e.AuditTrail(context.Background(), userID, 1, 100)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	out := make([]goMFA.AuditAction, 0, len(entries))
	for _, en := range entries {
		out = append(out, en.Action)
	}
	return out
}

func TestEnrollmentLifecycle(t *testing.T) {
	e, store, clk := newEngine(t, nil)
	ctx := context.Background()

	setup, err := e.BeginSetup(ctx, "u1", "alice@example.com")
	if err != nil {
		t.Fatalf("BeginSetup: %v", err)
	}
	if len(setup.SecretBase32) != 32 {
		t.Fatalf("expected 160-bit base32 secret, got %q", setup.SecretBase32)
	}
	if !strings.HasPrefix(setup.ProvisioningURI, "otpauth://totp/") || !strings.Contains(setup.ProvisioningURI, "issuer=goMFA") {
		t.Fatalf("unexpected provisioning uri %q", setup.ProvisioningURI)
	}

	stored, _ := store.GetConfig(ctx, "u1")
	if stored.Status != goMFA.StatusPendingSetup {
		t.Fatalf("expected pending setup, got %v", stored.Status)
	}
	if bytes.Contains(stored.EncryptedSecret, []byte(setup.SecretBase32)) {
		t.Fatal("secret must not be stored in clear")
	}

	if _, err := e.Verify(ctx, "u1", codeAt(t, setup.SecretBase32, clk.Now())); !errors.Is(err, goMFA.ErrNotEnrolled) {
		t.Fatalf("verify before confirm must fail with ErrNotEnrolled, got %v", err)
	}

	confirm, err := e.ConfirmSetup(ctx, "u1", codeAt(t, setup.SecretBase32, clk.Now()))
	if err != nil {
		t.Fatalf("ConfirmSetup: %v", err)
	}
	if len(confirm.BackupCodes) != 8 {
		t.Fatalf("expected 8 backup codes, got %d", len(confirm.BackupCodes))
	}
	if _, err := e.BeginSetup(ctx, "u1", ""); !errors.Is(err, goMFA.ErrAlreadyEnabled) {
		t.Fatalf("expected ErrAlreadyEnabled, got %v", err)
	}

	clk.Advance(30 * time.Second)
	res, err := e.Verify(ctx, "u1", codeAt(t, setup.SecretBase32, clk.Now()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Verified || res.Method != goMFA.MethodTOTP || res.RemainingBackupCodes != 8 || res.AuditSequence == 0 {
		t.Fatalf("unexpected verify result %+v", res)
	}

	if err := e.Disable(ctx, "u1"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if _, err := e.Verify(ctx, "u1", codeAt(t, setup.SecretBase32, clk.Now())); !errors.Is(err, goMFA.ErrMFADisabled) {
		t.Fatalf("expected ErrMFADisabled, got %v", err)
	}
	if n, err := e.RemainingBackupCodes(ctx, "u1"); err != nil || n != 0 {
		t.Fatalf("disabled user must report 0 codes, got %d err=%v", n, err)
	}

	want := []goMFA.AuditAction{goMFA.AuditMFAEnable, goMFA.AuditVerifySuccess, goMFA.AuditMFADisable}
	got := actions(t, e, "u1")
	if len(got) != len(want) {
		t.Fatalf("expected actions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected actions %v, got %v", want, got)
		}
	}

	rep, err := e.VerifyAuditChain(ctx, "u1")
	if err != nil || !rep.Valid || rep.Checked != 3 {
		t.Fatalf("expected valid chain of 3, got %+v err=%v", rep, err)
	}

	// Re-enrollment starts a fresh secret.
	again, err := e.BeginSetup(ctx, "u1", "")
	if err != nil {
		t.Fatalf("re-enroll BeginSetup: %v", err)
	}
	if again.SecretBase32 == setup.SecretBase32 {
		t.Fatal("re-enrollment must use a new secret")
	}
}

func TestTOTPWindowAndReplay(t *testing.T) {
	e, _, clk := newEngine(t, nil)
	ctx := context.Background()
	secret, _ := enroll(t, e, clk, "u1")

	prev := codeAt(t, secret, clk.Now().Add(-30*time.Second))
	future := codeAt(t, secret, clk.Now().Add(30*time.Second))
	current := codeAt(t, secret, clk.Now())

	if _, err := e.Verify(ctx, "u1", future); !errors.Is(err, goMFA.ErrVerificationFailed) {
		t.Fatalf("future step must be rejected, got %v", err)
	}
	// The previous step was already used by ConfirmSetup.
	if _, err := e.Verify(ctx, "u1", prev); !errors.Is(err, goMFA.ErrVerificationFailed) {
		t.Fatalf("step used at confirm must be rejected, got %v", err)
	}
	if _, err := e.Verify(ctx, "u1", current); err != nil {
		t.Fatalf("current code must verify: %v", err)
	}
	if _, err := e.Verify(ctx, "u1", current); !errors.Is(err, goMFA.ErrVerificationFailed) {
		t.Fatalf("replayed code must be rejected, got %v", err)
	}

	snap := e.MetricsSnapshot()
	if snap.Counters[goMFA.MetricReplayRejected] < 2 {
		t.Fatalf("expected replay counter, got %d", snap.Counters[goMFA.MetricReplayRejected])
	}
}

func TestBackupCodeRedeemedOnce(t *testing.T) {
	e, _, clk := newEngine(t, nil)
	ctx := context.Background()
	_, codes := enroll(t, e, clk, "u1")

	res, err := e.Verify(ctx, "u1", codes[2])
	if err != nil {
		t.Fatalf("Verify backup code: %v", err)
	}
	if res.Method != goMFA.MethodBackupCode || res.RemainingBackupCodes != 7 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := e.Verify(ctx, "u1", codes[2]); !errors.Is(err, goMFA.ErrVerificationFailed) {
		t.Fatalf("second redeem must fail, got %v", err)
	}

	spaced := strings.ReplaceAll(codes[3], "-", " ")
	if _, err := e.Verify(ctx, "u1", spaced); err != nil {
		t.Fatalf("spaces must be ignored: %v", err)
	}
	if n, _ := e.RemainingBackupCodes(ctx, "u1"); n != 6 {
		t.Fatalf("expected 6 remaining, got %d", n)
	}
}

func TestConcurrentBackupCodeRedeem(t *testing.T) {
	e, _, clk := newEngine(t, nil)
	ctx := context.Background()
	_, codes := enroll(t, e, clk, "u1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Verify(ctx, "u1", codes[0]); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful redeem, got %d", wins)
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	e, _, clk := newEngine(t, nil)
	ctx := context.Background()
	secret, _ := enroll(t, e, clk, "u1")

	wrong := "000000"
	if wrong == codeAt(t, secret, clk.Now()) || wrong == codeAt(t, secret, clk.Now().Add(-30*time.Second)) {
		wrong = "111111"
	}

	for i := 0; i < 5; i++ {
		if _, err := e.Verify(ctx, "u1", wrong); !errors.Is(err, goMFA.ErrVerificationFailed) {
			t.Fatalf("attempt %d: expected ErrVerificationFailed, got %v", i+1, err)
		}
	}

	_, err := e.Verify(ctx, "u1", codeAt(t, secret, clk.Now()))
	if !errors.Is(err, goMFA.ErrLockedOut) {
		t.Fatalf("correct code while locked must fail with ErrLockedOut, got %v", err)
	}
	remaining, ok := goMFA.RemainingLockout(err)
	if !ok || remaining != 15*time.Minute {
		t.Fatalf("expected 15m remaining, got %v ok=%v", remaining, ok)
	}

	if _, err := e.Verify(ctx, "u1", "nonsense"); !errors.Is(err, goMFA.ErrLockedOut) {
		t.Fatalf("lockout is checked before format, got %v", err)
	}

	status, err := e.IsLocked(ctx, "u1")
	if err != nil || !status.Locked || status.FailedCount != 5 {
		t.Fatalf("unexpected lockout status %+v err=%v", status, err)
	}

	clk.Advance(15*time.Minute + time.Second)
	if _, err := e.Verify(ctx, "u1", codeAt(t, secret, clk.Now())); err != nil {
		t.Fatalf("verify after lock expiry: %v", err)
	}

	got := actions(t, e, "u1")
	triggered := 0
	failures := 0
	for _, a := range got {
		switch a {
		case goMFA.AuditLockoutTriggered:
			triggered++
		case goMFA.AuditVerifyFailure:
			failures++
		}
	}
	if triggered != 1 || failures != 5 {
		t.Fatalf("expected 5 failures and 1 lockout entry, got %d and %d in %v", failures, triggered, got)
	}
}

func TestMalformedCodeIsNotCounted(t *testing.T) {
	e, _, clk := newEngine(t, nil)
	ctx := context.Background()
	enroll(t, e, clk, "u1")

	for _, code := range []string{"", "12345", "1234567", "abcdef", "123456789"} {
		if _, err := e.Verify(ctx, "u1", code); !errors.Is(err, goMFA.ErrInvalidCodeFormat) {
			t.Fatalf("%q: expected ErrInvalidCodeFormat, got %v", code, err)
		}
	}
	status, _ := e.IsLocked(ctx, "u1")
	if status.FailedCount != 0 {
		t.Fatalf("malformed codes must not count, got %d", status.FailedCount)
	}
	if got := actions(t, e, "u1"); len(got) != 1 {
		t.Fatalf("malformed codes must not be audited, got %v", got)
	}
}

func TestResetLockout(t *testing.T) {
	e, _, clk := newEngine(t, nil)
	ctx := context.Background()
	secret, _ := enroll(t, e, clk, "u1")

	for i := 0; i < 5; i++ {
		_, _ = e.Verify(ctx, "u1", "999999")
	}
	if status, _ := e.IsLocked(ctx, "u1"); !status.Locked {
		t.Skip("999999 happened to be a valid code")
	}
	if err := e.ResetLockout(ctx, "u1"); err != nil {
		t.Fatalf("ResetLockout: %v", err)
	}
	if _, err := e.Verify(ctx, "u1", codeAt(t, secret, clk.Now())); err != nil {
		t.Fatalf("verify after reset: %v", err)
	}
}

func TestRegenerateBackupCodes(t *testing.T) {
	e, _, clk := newEngine(t, nil)
	ctx := context.Background()
	secret, old := enroll(t, e, clk, "u1")

	if _, err := e.RegenerateBackupCodes(ctx, "u1", old[0]); !errors.Is(err, goMFA.ErrInvalidCodeFormat) {
		t.Fatalf("a backup code cannot authorize regeneration, got %v", err)
	}
	fresh, err := e.RegenerateBackupCodes(ctx, "u1", codeAt(t, secret, clk.Now()))
	if err != nil {
		t.Fatalf("RegenerateBackupCodes: %v", err)
	}
	if len(fresh) != 8 {
		t.Fatalf("expected 8 codes, got %d", len(fresh))
	}
	if _, err := e.Verify(ctx, "u1", old[1]); !errors.Is(err, goMFA.ErrVerificationFailed) {
		t.Fatalf("old codes must be invalid after regeneration, got %v", err)
	}
	if _, err := e.Verify(ctx, "u1", fresh[0]); err != nil {
		t.Fatalf("new code must verify: %v", err)
	}
}

func TestAuditChainDetectsTampering(t *testing.T) {
	e, store, clk := newEngine(t, nil)
	ctx := context.Background()
	secret, _ := enroll(t, e, clk, "u1")
	for i := 0; i < 3; i++ {
		if _, err := e.Verify(ctx, "u1", codeAt(t, secret, clk.Now())); err != nil {
			t.Fatalf("Verify: %v", err)
		}
		clk.Advance(30 * time.Second)
	}

	if rep, err := e.VerifyAuditChain(ctx, "u1"); err != nil || !rep.Valid {
		t.Fatalf("expected valid chain, got %+v err=%v", rep, err)
	}

	store.Tamper("u1", 2, func(en *goMFA.AuditLogEntry) {
		en.Action = goMFA.AuditVerifyFailure
	})
	rep, err := e.VerifyAuditChain(ctx, "u1")
	if !errors.Is(err, goMFA.ErrIntegrityViolation) {
		t.Fatalf("expected integrity violation, got %v", err)
	}
	var ie *goMFA.IntegrityError
	if !errors.As(err, &ie) || ie.Index != 2 || rep.FirstBadIndex != 2 {
		t.Fatalf("expected first bad index 2, got %+v %+v", ie, rep)
	}
}

func TestAuditChainDetectsDeletion(t *testing.T) {
	e, store, clk := newEngine(t, nil)
	ctx := context.Background()
	secret, _ := enroll(t, e, clk, "u1")
	for i := 0; i < 3; i++ {
		_, _ = e.Verify(ctx, "u1", codeAt(t, secret, clk.Now()))
		clk.Advance(30 * time.Second)
	}

	store.DeleteAuditEntry("u1", 1)
	rep, err := e.VerifyAuditChain(ctx, "u1")
	if !errors.Is(err, goMFA.ErrIntegrityViolation) || rep.FirstBadIndex != 1 {
		t.Fatalf("expected violation at index 1, got %+v err=%v", rep, err)
	}
}

func TestAuditSinkExportVerifies(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	sink := goMFA.NewJSONWriterSink(&lockedWriter{mu: &mu, w: &buf})
	e, _, clk := newEngine(t, sink)
	ctx := goMFA.WithRequestID(goMFA.WithClientIP(context.Background(), "203.0.113.7"), "req-1")

	setup, _ := e.BeginSetup(ctx, "u1", "")
	if _, err := e.ConfirmSetup(ctx, "u1", codeAt(t, setup.SecretBase32, clk.Now())); err != nil {
		t.Fatalf("ConfirmSetup: %v", err)
	}
	trail, _ := e.AuditTrail(ctx, "u1", 1, 10)
	if len(trail) != 1 || trail[0].Metadata["ip"] != "203.0.113.7" || trail[0].Metadata["request_id"] != "req-1" {
		t.Fatalf("expected request metadata in audit entry, got %+v", trail)
	}

	e.Close()

	mu.Lock()
	exported := buf.String()
	mu.Unlock()
	rep, err := goMFA.VerifyAuditExport(strings.NewReader(exported), auditKey)
	if err != nil || !rep.Valid || rep.Checked != 1 {
		t.Fatalf("expected exported chain to verify, got %+v err=%v", rep, err)
	}

	rep, _ = goMFA.VerifyAuditExport(strings.NewReader(exported), bytes.Repeat([]byte{'x'}, 32))
	if rep.Valid {
		t.Fatal("export must not verify under another key")
	}
}

func TestAuditExportVerifiesWithInvalidUTF8Headers(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	sink := goMFA.NewJSONWriterSink(&lockedWriter{mu: &mu, w: &buf})
	e, _, clk := newEngine(t, sink)
	ctx := goMFA.WithUserAgent(goMFA.WithRequestID(context.Background(), "req-\xfe"), "curl/8\xff")

	setup, err := e.BeginSetup(ctx, "u1", "")
	if err != nil {
		t.Fatalf("BeginSetup: %v", err)
	}
	if _, err := e.ConfirmSetup(ctx, "u1", codeAt(t, setup.SecretBase32, clk.Now())); err != nil {
		t.Fatalf("ConfirmSetup: %v", err)
	}
	if rep, err := e.VerifyAuditChain(ctx, "u1"); err != nil || !rep.Valid {
		t.Fatalf("stored chain must verify, got %+v err=%v", rep, err)
	}

	e.Close()

	mu.Lock()
	exported := buf.String()
	mu.Unlock()
	rep, err := goMFA.VerifyAuditExport(strings.NewReader(exported), auditKey)
	if err != nil || !rep.Valid || rep.Checked != 1 {
		t.Fatalf("exported chain must verify, got %+v err=%v", rep, err)
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
