// Package account はユーザー登録を提供します。
package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/auth"
	"github.com/yourusername/learncode/internal/repository"
)

// ErrAlreadyExists はユーザー名かメールアドレスが既に登録されていることを表します。
var ErrAlreadyExists = errors.New("username or email already exists")

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// RegisterInput は登録フォームの入力です。
type RegisterInput struct {
	FullName        string `validate:"required,min=2,max=100"`
	Username        string `validate:"required,min=3,max=50,username"`
	Email           string `validate:"required,email,max=254"`
	Password        string
	ConfirmPassword string
	AgreeTerms      bool
}

// ValidationError は入力エラーの一覧です。フォームの上から順に並びます。
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "invalid registration: " + strings.Join(e.Messages, "; ")
}

type userCreator interface {
	Create(ctx context.Context, user *repository.User) error
	ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error)
}

// Service はユーザー登録を行います。
type Service struct {
	users    userCreator
	hasher   *auth.PasswordHasher
	validate *validator.Validate
	logger   *logrus.Logger
}

// usernameTag は RegisterInput.Username の独自ルール名です。
var usernameTag = "username"

// NewService は Service を作成します。
func NewService(users userCreator, hasher *auth.PasswordHasher, logger *logrus.Logger) (*Service, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.RegisterValidation(usernameTag, func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	if err != nil {
		return nil, fmt.Errorf("register %q validation: %w", usernameTag, err)
	}
	return &Service{users: users, hasher: hasher, validate: v, logger: logger}, nil
}

// Validate は入力を検証し、すべてのエラーをまとめて返します。
func (s *Service) Validate(in RegisterInput) error {
	in = normalize(in)
	var messages []string

	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate registration: %w", err)
		}
		for _, fe := range verrs {
			messages = append(messages, fieldMessage(fe))
		}
	}

	if in.Password == "" {
		messages = append(messages, "Password is required.")
	} else if err := auth.ValidatePasswordStrength(in.Password); err != nil {
		messages = append(messages, auth.AsError(err).Message+".")
	}
	if in.Password != in.ConfirmPassword {
		messages = append(messages, "Passwords do not match.")
	}
	if !in.AgreeTerms {
		messages = append(messages, "You must agree to the Terms of Service and Privacy Policy.")
	}

	if len(messages) > 0 {
		return &ValidationError{Messages: messages}
	}
	return nil
}

// Register は入力を検証してユーザーを作成します。
// 確認メールは送らないため、作成直後のアカウントは有効・メール確認済みの一般ユーザーです。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*repository.User, error) {
	if err := s.Validate(in); err != nil {
		return nil, err
	}
	in = normalize(in)

	exists, err := s.users.ExistsByUsernameOrEmail(ctx, in.Username, in.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyExists
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	user := &repository.User{
		Username:      in.Username,
		Email:         in.Email,
		PasswordHash:  hash,
		FullName:      in.FullName,
		IsActive:      true,
		EmailVerified: true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
	}).Info("user registered")
	return user, nil
}

func normalize(in RegisterInput) RegisterInput {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	return in
}

func fieldMessage(fe validator.FieldError) string {
	label := map[string]string{
		"FullName": "Full name",
		"Username": "Username",
		"Email":    "Email address",
	}[fe.Field()]

	switch fe.Tag() {
	case "required":
		return label + " is required."
	case "min":
		return fmt.Sprintf("%s must be at least %s characters long.", label, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long.", label, fe.Param())
	case "username":
		return "Username can only contain letters, numbers, and underscores."
	case "email":
		return "Please enter a valid email address."
	default:
		return label + " is invalid."
	}
}
