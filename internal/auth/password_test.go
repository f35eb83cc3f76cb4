package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"

	"github.com/yourusername/learncode/internal/logging"
)

func TestHashVerifyProperty(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost, logging.Discard())

	rapid.Check(t, func(t *rapid.T) {
		password := rapid.StringMatching(`[ -~]{0,72}`).Draw(t, "password")
		suffix := rapid.StringMatching(`[ -~]{1,12}`).Draw(t, "suffix")

		hash, err := h.Hash(password)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if !h.Verify(password, hash) {
			t.Fatalf("verify(%q) = false for its own hash", password)
		}
		if h.Verify(password+suffix, hash) {
			t.Fatalf("verify(%q) = true for hash of %q", password+suffix, password)
		}
	})
}

func TestHashIsSalted(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost, logging.Discard())

	first, err := h.Hash(testPassword)
	require.NoError(t, err)
	second, err := h.Hash(testPassword)
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.True(t, h.Verify(testPassword, first))
	require.True(t, h.Verify(testPassword, second))
	require.NotContains(t, first, testPassword)
}

func TestVerifyMalformedHash(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost, logging.Discard())

	require.False(t, h.Verify(testPassword, ""))
	require.False(t, h.Verify(testPassword, "not-a-bcrypt-hash"))
	require.False(t, h.Verify("", "$2a$04$short"))
}

func TestHashRejectsLongPassword(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost, logging.Discard())

	_, err := h.Hash(strings.Repeat("a", 73))
	require.ErrorIs(t, err, ErrPasswordTooLong)

	_, err = h.Hash(strings.Repeat("a", 72))
	require.NoError(t, err)
}

// bcrypt は 72 バイト以降を無視するので、長い入力は先頭が一致しても通さない
func TestVerifyRejectsInputBeyond72Bytes(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost, logging.Discard())

	ascii := strings.Repeat("a", 72)
	hash, err := h.Hash(ascii)
	require.NoError(t, err)
	require.True(t, h.Verify(ascii, hash))
	require.False(t, h.Verify(ascii+"DIFFERENT", hash))

	multibyte := strings.Repeat("あ", 24)
	require.Len(t, multibyte, 72)
	hash, err = h.Hash(multibyte)
	require.NoError(t, err)
	require.True(t, h.Verify(multibyte, hash))
	require.False(t, h.Verify(multibyte+"WRONG", hash))
	require.False(t, h.Verify(strings.Repeat("あ", 26), hash))
}

func TestNeedsRehash(t *testing.T) {
	low := NewPasswordHasher(bcrypt.MinCost, logging.Discard())
	high := NewPasswordHasher(bcrypt.MinCost+1, logging.Discard())

	hash, err := low.Hash(testPassword)
	require.NoError(t, err)

	require.False(t, low.NeedsRehash(hash))
	require.True(t, high.NeedsRehash(hash))
	require.False(t, high.NeedsRehash("garbage"))
}

func TestNewPasswordHasherCost(t *testing.T) {
	require.Equal(t, DefaultBcryptCost, NewPasswordHasher(0, nil).Cost())
	require.Equal(t, bcrypt.MinCost, NewPasswordHasher(1, nil).Cost())
	require.Equal(t, bcrypt.MaxCost, NewPasswordHasher(99, nil).Cost())
}

func TestValidatePasswordStrength(t *testing.T) {
	tests := []struct {
		password string
		message  string
	}{
		{"Ab1!", "Password must be at least 8 characters long"},
		{"lowercase1!", "Password must contain at least one uppercase letter"},
		{"UPPERCASE1!", "Password must contain at least one lowercase letter"},
		{"NoDigits!!", "Password must contain at least one number"},
		{"NoSpecial123", "Password must contain at least one special character"},
		{"Aa1!" + strings.Repeat("あ", 23), "Password must be at most 72 bytes long"},
		{"Valid#Pass1", ""},
		{testPassword, ""},
	}

	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			err := ValidatePasswordStrength(tt.password)
			if tt.message == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrValidation)
			require.Equal(t, tt.message, AsError(err).Message)
		})
	}
}
