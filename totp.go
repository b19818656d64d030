package goMFA

import (
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/goMFA/internal"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpSecretBytes = 20
	totpDigits      = 6
)

var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTP generates and checks RFC 6238 codes. It holds no per-user state.
type TOTP struct {
	config TOTPConfig
	random RandomSource
	opts   totp.ValidateOpts
}

// NewTOTP returns a TOTP engine for cfg. A nil random uses crypto/rand.
func NewTOTP(cfg TOTPConfig, random RandomSource) *TOTP {
	if cfg.Period <= 0 {
		cfg.Period = 30
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	if random == nil {
		random = internal.CryptoRandom()
	}
	return &TOTP{
		config: cfg,
		random: random,
		opts: totp.ValidateOpts{
			Period:    uint(cfg.Period),
			Digits:    otp.DigitsSix,
			Algorithm: otpAlgorithm(cfg.Algorithm),
		},
	}
}

func otpAlgorithm(name string) otp.Algorithm {
	switch strings.ToUpper(name) {
	case "SHA256":
		return otp.AlgorithmSHA256
	case "SHA512":
		return otp.AlgorithmSHA512
	default:
		return otp.AlgorithmSHA1
	}
}

// GenerateSecret draws a 160-bit secret and returns it raw and base32
// encoded without padding.
func (m *TOTP) GenerateSecret() ([]byte, string, error) {
	if m == nil {
		return nil, "", ErrEngineNotReady
	}
	raw, err := internal.RandomBytes(m.random, totpSecretBytes)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrRandomUnavailable, err)
	}
	return raw, totpEncoding.EncodeToString(raw), nil
}

// ProvisioningURI builds the otpauth:// URI authenticator apps import.
func (m *TOTP) ProvisioningURI(secretBase32, account string) (string, error) {
	if m == nil {
		return "", ErrEngineNotReady
	}
	raw, err := decodeSecret(secretBase32)
	if err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: account,
		Period:      uint(m.config.Period),
		Digits:      otp.DigitsSix,
		Algorithm:   m.opts.Algorithm,
		Secret:      raw,
	})
	if err != nil {
		return "", wrapConfiguration(err)
	}
	return key.URL(), nil
}

// CurrentCode returns the code for the step containing t.
func (m *TOTP) CurrentCode(secretBase32 string, t time.Time) (string, error) {
	if m == nil {
		return "", ErrEngineNotReady
	}
	if _, err := decodeSecret(secretBase32); err != nil {
		return "", err
	}
	code, err := totp.GenerateCodeCustom(strings.ToUpper(secretBase32), t, m.opts)
	if err != nil {
		return "", wrapConfiguration(err)
	}
	return code, nil
}

// Verify accepts candidate if it matches the step containing t or one of
// the WindowSteps steps before it. It returns the matching step.
// A malformed candidate is rejected before any HMAC is computed; an empty
// or undecodable secret fails closed with ErrConfiguration.
func (m *TOTP) Verify(secretBase32, candidate string, t time.Time) (bool, int64, error) {
	if m == nil {
		return false, 0, ErrEngineNotReady
	}
	raw, err := decodeSecret(secretBase32)
	if err != nil {
		return false, 0, err
	}
	return m.VerifyCode(raw, candidate, t)
}

// VerifyCode is Verify over a raw secret.
func (m *TOTP) VerifyCode(secret []byte, candidate string, t time.Time) (bool, int64, error) {
	if m == nil {
		return false, 0, ErrEngineNotReady
	}
	if !isTOTPCode(candidate) {
		return false, 0, ErrInvalidCodeFormat
	}
	if len(secret) == 0 {
		return false, 0, wrapConfiguration(errors.New("empty totp secret"))
	}

	secretBase32 := totpEncoding.EncodeToString(secret)
	period := int64(m.config.Period)
	current := t.Unix() / period
	for i := 0; i <= m.config.WindowSteps; i++ {
		step := current - int64(i)
		if step < 0 {
			break
		}
		code, err := totp.GenerateCodeCustom(secretBase32, time.Unix(step*period, 0), m.opts)
		if err != nil {
			return false, 0, wrapConfiguration(err)
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(candidate)) == 1 {
			return true, step, nil
		}
	}
	return false, 0, nil
}

func decodeSecret(secretBase32 string) ([]byte, error) {
	s := strings.ToUpper(strings.TrimRight(strings.TrimSpace(secretBase32), "="))
	if s == "" {
		return nil, wrapConfiguration(errors.New("empty totp secret"))
	}
	raw, err := totpEncoding.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return nil, wrapConfiguration(errors.New("totp secret is not valid base32"))
	}
	return raw, nil
}

func isTOTPCode(code string) bool {
	if len(code) != totpDigits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
