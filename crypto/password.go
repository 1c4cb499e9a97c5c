package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 12
	maxPasswordLength = 72 // bcrypt input limit
	minStrengthScore  = 3
	maxRepeatRun      = 3
)

// ErrWeakPassword is returned by [Hasher.Hash] when the candidate password
// fails the strength policy. The wrapped message names the failed rule.
var ErrWeakPassword = errors.New("weak password")

// commonPasswords are rejected outright regardless of composition. The list
// covers the top entries of public breach corpora that also satisfy the
// length rule.
var commonPasswords = map[string]struct{}{
	"password1234":     {},
	"password12345":    {},
	"qwertyuiop123":    {},
	"adminadmin123":    {},
	"letmeinletmein":   {},
	"welcome123456":    {},
	"iloveyou123456":   {},
	"sunshine123456":   {},
	"dragon123456789":  {},
	"football1234567":  {},
	"monkey123456789":  {},
	"trustno1trustno1": {},
}

// forbiddenFragments may not appear anywhere in a password, case-insensitively.
var forbiddenFragments = []string{
	"password",
	"qwerty",
	"123456",
	"abcdef",
	"letmein",
	"admin",
}

// Hasher hashes and verifies passwords with bcrypt at a configured cost and
// enforces a minimum wall-clock floor on verification so that early-exit
// mismatches do not leak through response timing.
type Hasher struct {
	cost             int
	minVerifyLatency time.Duration

	// dummyHash absorbs compares for malformed stored hashes so the failure
	// path costs the same as a real mismatch.
	dummyHash []byte
}

// NewHasher returns a Hasher at the given bcrypt cost. A latency floor of
// zero disables verification padding.
func NewHasher(cost int, minVerifyLatency time.Duration) (*Hasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, errors.New("bcrypt cost out of range")
	}
	if minVerifyLatency < 0 {
		return nil, errors.New("verify latency floor must be >= 0")
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("authcore-dummy-compare-subject"), cost)
	if err != nil {
		return nil, err
	}

	return &Hasher{
		cost:             cost,
		minVerifyLatency: minVerifyLatency,
		dummyHash:        dummy,
	}, nil
}

// Hash validates password against the strength policy and returns its bcrypt
// hash. userContext carries identifiers associated with the account (email,
// username, display name); the password may not contain any of them.
//
// Policy failures return an error wrapping [ErrWeakPassword].
func (h *Hasher) Hash(password string, userContext ...string) (string, error) {
	if err := CheckPolicy(password, userContext...); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// Verify reports whether password matches the stored hash. It never returns
// an error: malformed hashes verify false, and every call is padded to the
// configured latency floor.
func (h *Hasher) Verify(password, hash string) bool {
	start := time.Now()

	subject := []byte(hash)
	if len(subject) == 0 {
		subject = h.dummyHash
	}

	err := bcrypt.CompareHashAndPassword(subject, []byte(password))

	if elapsed := time.Since(start); elapsed < h.minVerifyLatency {
		time.Sleep(h.minVerifyLatency - elapsed)
	}

	return err == nil
}

// CheckPolicy applies the full strength policy without hashing. It returns
// nil when the password is acceptable, otherwise an error wrapping
// [ErrWeakPassword] that names the failed rule.
func CheckPolicy(password string, userContext ...string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: must be at most %d bytes", ErrWeakPassword, maxPasswordLength)
	}

	var upper, lower, digit, symbol bool
	run := 1
	var prev rune
	for i, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}

		if i > 0 && r == prev {
			run++
			if run > maxRepeatRun {
				return fmt.Errorf("%w: too many repeated characters", ErrWeakPassword)
			}
		} else {
			run = 1
		}
		prev = r
	}
	if !upper || !lower || !digit || !symbol {
		return fmt.Errorf("%w: must mix upper, lower, digit, and symbol characters", ErrWeakPassword)
	}

	lowered := strings.ToLower(password)
	if _, found := commonPasswords[lowered]; found {
		return fmt.Errorf("%w: too common", ErrWeakPassword)
	}
	for _, fragment := range forbiddenFragments {
		if strings.Contains(lowered, fragment) {
			return fmt.Errorf("%w: contains forbidden fragment %q", ErrWeakPassword, fragment)
		}
	}
	for _, ctx := range userContext {
		ctx = strings.TrimSpace(strings.ToLower(ctx))
		if len(ctx) >= 4 && strings.Contains(lowered, ctx) {
			return fmt.Errorf("%w: must not contain account identifiers", ErrWeakPassword)
		}
	}

	if StrengthScore(password) < minStrengthScore {
		return fmt.Errorf("%w: insufficient complexity", ErrWeakPassword)
	}

	return nil
}

// StrengthScore rates password on a 0-4 scale from length, character
// diversity, and the absence of keyboard patterns. Scores below 3 fail the
// policy.
func StrengthScore(password string) int {
	score := 0

	if len(password) >= minPasswordLength {
		score++
	}
	if len(password) >= 16 {
		score++
	}

	var classes int
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	for _, present := range []bool{upper, lower, digit, symbol} {
		if present {
			classes++
		}
	}
	if classes >= 4 {
		score++
	}

	if !hasSequentialRun(password, 4) {
		score++
	}

	return score
}

// hasSequentialRun reports whether password contains n or more consecutive
// ascending or descending code points ("abcd", "9876").
func hasSequentialRun(password string, n int) bool {
	runes := []rune(password)
	if len(runes) < n {
		return false
	}

	asc, desc := 1, 1
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1]+1 {
			asc++
			desc = 1
		} else if runes[i] == runes[i-1]-1 {
			desc++
			asc = 1
		} else {
			asc, desc = 1, 1
		}
		if asc >= n || desc >= n {
			return true
		}
	}

	return false
}

const (
	tempPasswordLength = 16

	tempUpper  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	tempLower  = "abcdefghijkmnpqrstuvwxyz"
	tempDigit  = "23456789"
	tempSymbol = "!@#$%^&*-_=+"
)

// TemporaryPassword generates a 16-character password guaranteed to contain
// at least one character from each class, shuffled with crypto/rand. The
// alphabets omit look-alike characters (O/0, l/1).
func TemporaryPassword() (string, error) {
	classes := []string{tempUpper, tempLower, tempDigit, tempSymbol}
	all := strings.Join(classes, "")

	buf := make([]byte, 0, tempPasswordLength)
	for _, class := range classes {
		c, err := randomByte(class)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}
	for len(buf) < tempPasswordLength {
		c, err := randomByte(all)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}

	// Fisher-Yates so the guaranteed class characters are not positional.
	for i := len(buf) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		buf[i], buf[j.Int64()] = buf[j.Int64()], buf[i]
	}

	return string(buf), nil
}

func randomByte(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, err
	}
	return alphabet[n.Int64()], nil
}
