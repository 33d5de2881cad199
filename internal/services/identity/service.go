package identity

import (
	"fmt"
	"unicode"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
)

// Accounts creates and exposes the device account. The session manager
// satisfies it.
type Accounts interface {
	CreateAccount() (domain.Curve25519Key, domain.Ed25519Key, error)
	IdentityKeys() (domain.Curve25519Key, domain.Ed25519Key, error)
}

// Service manages the device account.
//
// The account holds:
//   - A Curve25519 identity key, the device key peers encrypt to.
//   - An Ed25519 signing key, used to sign one-time keys.
type Service struct {
	accounts Accounts
}

// New returns an identity service over accounts.
func New(a Accounts) *Service { return &Service{accounts: a} }

// CreateAccount creates the account and returns the fingerprint of its
// identity key.
func (s *Service) CreateAccount() (domain.Fingerprint, error) {
	curve, _, err := s.accounts.CreateAccount()
	if err != nil {
		return "", err
	}
	return Fingerprint(curve)
}

// Fingerprint returns the fingerprint of the local identity key.
func (s *Service) Fingerprint() (domain.Fingerprint, error) {
	curve, _, err := s.accounts.IdentityKeys()
	if err != nil {
		return "", err
	}
	return Fingerprint(curve)
}

// Fingerprint returns a short fingerprint of a device key.
func Fingerprint(key domain.Curve25519Key) (domain.Fingerprint, error) {
	pub, err := key.Decode()
	if err != nil {
		return "", err
	}
	return crypto.Fingerprint(pub.Slice()), nil
}

// CheckPassphrase enforces the strength policy on a new passphrase.
func CheckPassphrase(passphrase string) error {
	if !isSecurePassphrase(passphrase) {
		return ErrWeakPassphrase
	}
	return nil
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}
