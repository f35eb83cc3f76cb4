package auth

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// bcrypt は先頭 72 バイトしか使わない
const maxPasswordBytes = 72

// DefaultBcryptCost は設定がない場合のコストです。
const DefaultBcryptCost = 12

// ErrPasswordTooLong はパスワードが 72 バイトを超えていることを表します。
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// PasswordHasher は bcrypt によるパスワードのハッシュ化と照合を行います。
type PasswordHasher struct {
	cost   int
	logger *logrus.Logger
}

// NewPasswordHasher は PasswordHasher を作成します。cost は bcrypt の範囲に丸めます。
func NewPasswordHasher(cost int, logger *logrus.Logger) *PasswordHasher {
	switch {
	case cost <= 0:
		cost = DefaultBcryptCost
	case cost < bcrypt.MinCost:
		cost = bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PasswordHasher{cost: cost, logger: logger}
}

// Cost は使用中のコストを返します。
func (h *PasswordHasher) Cost() int {
	return h.cost
}

// Hash はアルゴリズム・コスト・ソルトを含む自己記述的なハッシュを返します。
// 呼び出すたびにソルトが変わるため、同じ入力でも結果は毎回異なります。
func (h *PasswordHasher) Hash(password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify はパスワードとハッシュを定数時間で照合します。
// 保存されているハッシュが壊れている場合も false を返し、警告ログを残します。
// 72 バイトを超えるパスワードは、先頭が一致していても常に false です。
func (h *PasswordHasher) Verify(password, hash string) bool {
	if len(password) > maxPasswordBytes {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false
	default:
		h.logger.WithError(err).Warn("malformed password hash")
		return false
	}
}

// NeedsRehash は保存済みハッシュのコストが現在の設定と異なるかを返します。
func (h *PasswordHasher) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false
	}
	return cost != h.cost
}
