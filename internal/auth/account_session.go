package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/metrics"
	"github.com/yourusername/learncode/internal/repository"
)

const (
	msgCurrentPasswordRequired  = "Current password is required."
	msgNewPasswordRequired      = "New password is required."
	msgNewPasswordMismatch      = "New passwords do not match."
	msgCurrentPasswordIncorrect = "Current password is incorrect."
	msgPasswordChanged          = "Password changed successfully!"
	msgPasswordChangeLimited    = "Too many password change attempts. Please try again in %d minutes."
)

// SignIn は登録直後のユーザーを認証済みにします。
// Login と同じくセッション ID を新しくし、CSRF トークンは引き継ぎます。
func (m *SessionManager) SignIn(ctx context.Context, sess *Session, user *repository.User, client string) (*Session, error) {
	log := m.logger.WithFields(logrus.Fields{
		"client":  client,
		"user_id": user.ID,
	})
	switch {
	case !user.IsActive:
		return nil, &Error{Kind: KindAccountInactive, Message: msgUserInactive}
	case !user.EmailVerified:
		return nil, &Error{Kind: KindEmailUnverified, Message: msgEmailUnverified}
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	result, err := m.establish(ctx, sess, user, false, log)
	if err != nil {
		log.WithError(err).Error("sign in after registration failed")
		return nil, unavailable(err)
	}
	if sess != nil {
		result.Session.CSRFToken = sess.CSRFToken
	}
	if _, err := m.csrf.IssueOrReuse(result.Session); err != nil {
		return nil, unavailable(err)
	}

	metrics.LoginAttempts.WithLabelValues(string(SurfaceUser), "success").Inc()
	log.WithField("username", user.Username).Info("user signed in after registration")
	return result.Session, nil
}

// PasswordChange はパスワード変更フォームの入力です。
type PasswordChange struct {
	Current string
	New     string
	Confirm string
	Client  string
}

// ChangePassword は現在のパスワードを確認してから新しいパスワードに置き換えます。
//
// 入力エラーはフォームの上から順に集め、最初のものを Message に入れます。
// 現在のパスワードの照合はログインと同じカウンターで回数を制限します。
// 成功すると remember トークンを失効させ、セッションに完了メッセージを積みます。
func (m *SessionManager) ChangePassword(ctx context.Context, sess *Session, in PasswordChange) error {
	if !sess.Authenticated() {
		return ErrNotAuthenticated
	}
	log := m.logger.WithFields(logrus.Fields{
		"client":  in.Client,
		"user_id": sess.UserID,
	})

	var messages []string
	if in.Current == "" {
		messages = append(messages, msgCurrentPasswordRequired)
	}
	if in.New == "" {
		messages = append(messages, msgNewPasswordRequired)
	} else if err := ValidatePasswordStrength(in.New); err != nil {
		messages = append(messages, AsError(err).Message)
	}
	if in.New != in.Confirm {
		messages = append(messages, msgNewPasswordMismatch)
	}
	if len(in.Current) > maxPasswordBytes {
		messages = append(messages, msgPasswordTooLong)
	}
	if len(messages) > 0 {
		return &Error{Kind: KindValidation, Message: messages[0], Messages: messages, reason: "invalid password change form"}
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	decision, err := m.limiter.Allow(ctx, in.Client, m.policies.Login)
	if err != nil {
		return unavailable(err)
	}
	if !decision.Allowed {
		log.Warn("password change rate limited")
		return &Error{
			Kind:       KindRateLimited,
			Message:    fmt.Sprintf(msgPasswordChangeLimited, windowMinutes(m.policies.Login.Window)),
			RetryAfter: decision.RetryAfter,
		}
	}

	user, err := m.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrNotAuthenticated
		}
		return unavailable(err)
	}
	if !user.IsActive {
		return &Error{Kind: KindAccountInactive, Message: msgUserInactive}
	}
	if !m.hasher.Verify(in.Current, user.PasswordHash) {
		log.Info("password change rejected: wrong current password")
		return &Error{Kind: KindInvalidCredentials, Message: msgCurrentPasswordIncorrect, reason: "wrong current password"}
	}

	hash, err := m.hasher.Hash(in.New)
	if err != nil {
		return unavailable(err)
	}
	if err := m.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		log.WithError(err).Error("update password hash failed")
		return unavailable(err)
	}
	// 他の端末に残った remember-me はパスワード変更で無効にする
	if err := m.remember.Revoke(ctx, user.ID); err != nil {
		log.WithError(err).Warn("revoke remember token after password change failed")
	}

	sess.AddFlash("success", msgPasswordChanged)
	log.Info("password changed")
	return nil
}
