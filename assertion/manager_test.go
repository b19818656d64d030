package assertion

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestIssueAndParseEd25519(t *testing.T) {
	pub, priv := newEdKeys(t)
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m, err := NewManager(Config{
		TTL:           5 * time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "goMFA",
		Audience:      "api",
		Now:           clk.Now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	tok, err := m.Issue("u1", "totp", 7)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := m.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "u1" || claims.Method != "totp" || claims.AuditSequence != 7 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" {
		t.Fatal("expected jti")
	}

	other, _ := m.Issue("u1", "totp", 8)
	otherClaims, _ := m.Parse(other)
	if otherClaims.ID == claims.ID {
		t.Fatal("expected distinct jti per assertion")
	}

	clk.now = clk.now.Add(6 * time.Minute)
	if _, err := m.Parse(tok); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected expired assertion to fail with ErrInvalid, got %v", err)
	}
}

func TestParseRejectsWrongAlgorithm(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{TTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := Claims{Method: "totp", RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  gjwt.NewNumericDate(time.Now()),
	}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims)
	token, err := tok.SignedString([]byte("secret-secret-secret-secret-1234"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := m.Parse(token); err == nil {
		t.Fatal("expected wrong algorithm to be rejected")
	}
}

func TestParseOnlyManagerCannotIssue(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{TTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Issue("u1", "totp", 1); err == nil {
		t.Fatal("expected issue without private key to fail")
	}
}

func TestHS256IssuerAndAudience(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	m, err := NewManager(Config{
		TTL:           time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    key,
		Issuer:        "goMFA",
		Audience:      "api",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	tok, err := m.Issue("u1", "backup_code", 3)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Parse(tok); err != nil {
		t.Fatalf("expected valid token: %v", err)
	}

	other, _ := NewManager(Config{
		TTL:           time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    key,
		Issuer:        "goMFA",
		Audience:      "other-api",
	})
	if _, err := other.Parse(tok); err == nil {
		t.Fatal("expected wrong audience to fail")
	}

	forged, _ := NewManager(Config{
		TTL:           time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("ffffffffffffffffffffffffffffffff"),
		Issuer:        "goMFA",
		Audience:      "api",
	})
	if _, err := forged.Parse(tok); err == nil {
		t.Fatal("expected token under another key to fail")
	}
}

func TestParseRequiresSubject(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	m, _ := NewManager(Config{TTL: time.Minute, SigningMethod: MethodHS256, PrivateKey: key})
	claims := Claims{Method: "totp", RegisteredClaims: gjwt.RegisteredClaims{
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  gjwt.NewNumericDate(time.Now()),
	}}
	token, _ := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString(key)
	if _, err := m.Parse(token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected missing subject to fail, got %v", err)
	}
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	pub, _ := newEdKeys(t)
	cases := []Config{
		{TTL: 0, SigningMethod: MethodHS256, PrivateKey: []byte("k")},
		{TTL: time.Minute, SigningMethod: MethodHS256},
		{TTL: time.Minute, SigningMethod: MethodEd25519},
		{TTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: []byte("short")},
		{TTL: time.Minute, SigningMethod: "rs256", PublicKey: pub},
		{TTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub, Leeway: time.Hour},
	}
	for i, cfg := range cases {
		if _, err := NewManager(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func FuzzParse(f *testing.F) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		f.Fatal(err)
	}
	mgr, err := NewManager(Config{
		TTL:           5 * time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "fuzz-test",
		KeyID:         "k1",
	})
	if err != nil {
		f.Fatal(err)
	}
	valid, err := mgr.Issue("uid1", "totp", 1)
	if err != nil {
		f.Fatal(err)
	}

	f.Add(valid)
	f.Add("")
	f.Add("not.a.jwt")
	f.Add("eyJhbGciOiJub25lIn0.eyJzdWIiOiJ0ZXN0In0.")

	f.Fuzz(func(t *testing.T, input string) {
		claims, err := mgr.Parse(input)
		if err != nil {
			return
		}
		if claims == nil {
			t.Fatal("Parse returned nil claims without error")
		}
	})
}
