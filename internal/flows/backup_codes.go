package flows

import (
	"strings"

	"github.com/MrEthical07/goMFA/internal"
)

const (
	// TOTPCodeLength is the digit count of an authenticator code.
	TOTPCodeLength = 6
	// BackupCodeLength is the digit count of a backup code.
	BackupCodeLength = 8
)

// CodeKind is the format class of a submitted code.
type CodeKind uint8

const (
	CodeMalformed CodeKind = iota
	CodeTOTP
	CodeBackup
)

func (k CodeKind) String() string {
	switch k {
	case CodeTOTP:
		return "totp"
	case CodeBackup:
		return "backup_code"
	default:
		return "malformed"
	}
}

// ClassifyCode canonicalises code and reports which verifier may accept
// it. Formats never overlap: 6 digits is a TOTP code, 8 digits a backup
// code, anything else is malformed.
func ClassifyCode(code string) (CodeKind, string) {
	canonical := CanonicalizeCode(code)
	switch len(canonical) {
	case TOTPCodeLength:
		return CodeTOTP, canonical
	case BackupCodeLength:
		return CodeBackup, canonical
	default:
		return CodeMalformed, ""
	}
}

// CanonicalizeCode strips spaces and hyphens. It returns "" if anything
// other than ASCII digits remains.
func CanonicalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c == ' ' || c == '-' || c == '\t':
			continue
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		default:
			return ""
		}
	}
	return b.String()
}

// NewBackupCode draws BackupCodeLength digits from src.
func NewBackupCode(src internal.RandomSource) (string, error) {
	return internal.RandomDigits(src, BackupCodeLength)
}

// FormatBackupCode renders an 8-digit code as "1234-5678" for display.
func FormatBackupCode(code string) string {
	if len(code) != BackupCodeLength {
		return code
	}
	return code[:4] + "-" + code[4:]
}
