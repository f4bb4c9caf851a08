package mfa

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

const (
	period          = 30
	digits          = otp.DigitsSix
	algorithm       = otp.AlgorithmSHA1
	secretSize      = 20
	skew            = 1
	backupCodeLen   = 10
	backupCodeChars = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var validateOpts = totp.ValidateOpts{
	Period:    period,
	Digits:    digits,
	Algorithm: algorithm,
}

// generateKey creates a new TOTP key for accountName
func generateKey(issuer, accountName string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      period,
		SecretSize:  secretSize,
		Digits:      digits,
		Algorithm:   algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	return key, nil
}

// matchStep checks code against secret at the steps around now and returns
// the matching time step. Earlier steps are tried first so a code is bound
// to the oldest step it is valid for.
func matchStep(secret, code string, now time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != digits.Length() {
		return 0, false
	}

	current := now.Unix() / period
	for offset := int64(-skew); offset <= skew; offset++ {
		step := current + offset
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0).UTC(), validateOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

// generateBackupCodes returns count plaintext codes and their bcrypt hashes
func generateBackupCodes(count, cost int) ([]string, []string, error) {
	plain := make([]string, 0, count)
	hashes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)

	for len(plain) < count {
		b, err := randomCode(backupCodeLen)
		if err != nil {
			return nil, nil, err
		}
		code := string(b)
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		hash, err := bcrypt.GenerateFromPassword(b, cost)
		if err != nil {
			return nil, nil, fmt.Errorf("hash backup code: %w", err)
		}
		plain = append(plain, code)
		hashes = append(hashes, string(hash))
	}
	return plain, hashes, nil
}

// randomCode draws n characters uniformly from backupCodeChars
func randomCode(n int) ([]byte, error) {
	max := big.NewInt(int64(len(backupCodeChars)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, fmt.Errorf("read random index: %w", err)
		}
		b[i] = backupCodeChars[idx.Int64()]
	}
	return b, nil
}

// findBackupCode returns the stored hash matching code
func findBackupCode(hashes []string, code string) (string, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", false
	}
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(code)) == nil {
			return h, true
		}
	}
	return "", false
}

// looksLikeTOTP reports whether code has the shape of a TOTP code rather
// than a backup code
func looksLikeTOTP(code string) bool {
	code = strings.TrimSpace(code)
	if len(code) != digits.Length() {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
