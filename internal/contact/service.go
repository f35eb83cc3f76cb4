// Package contact はお問い合わせフォームの受付を提供します。
package contact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/learncode/internal/repository"
)

// Input はお問い合わせフォームの入力です。
type Input struct {
	Name    string `validate:"required,min=2,max=100"`
	Email   string `validate:"required,email,max=254"`
	Subject string `validate:"required,min=5,max=200"`
	Message string `validate:"required,min=10,max=5000"`
}

// ValidationError は入力エラーの一覧です。
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "invalid contact message: " + strings.Join(e.Messages, "; ")
}

type messageStore interface {
	Create(ctx context.Context, msg *repository.ContactMessage) error
	Recent(ctx context.Context, limit int) ([]repository.ContactMessage, error)
}

// Service はメッセージの検証と保存を行います。
type Service struct {
	messages messageStore
	validate *validator.Validate
	logger   *logrus.Logger
}

// NewService は Service を作成します。
func NewService(messages messageStore, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		messages: messages,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Submit は入力を検証して保存します。
func (s *Service) Submit(ctx context.Context, in Input) (*repository.ContactMessage, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.Subject = strings.TrimSpace(in.Subject)
	in.Message = strings.TrimSpace(in.Message)

	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, fmt.Errorf("validate contact message: %w", err)
		}
		messages := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			messages = append(messages, fieldMessage(fe))
		}
		return nil, &ValidationError{Messages: messages}
	}

	msg := &repository.ContactMessage{
		Name:    in.Name,
		Email:   in.Email,
		Subject: in.Subject,
		Message: in.Message,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"subject":    msg.Subject,
	}).Info("contact message received")
	return msg, nil
}

// Recent は新しいメッセージから最大 limit 件を返します。
func (s *Service) Recent(ctx context.Context, limit int) ([]repository.ContactMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.messages.Recent(ctx, limit)
}

func fieldMessage(fe validator.FieldError) string {
	label := map[string]string{
		"Name":    "Name",
		"Email":   "Email address",
		"Subject": "Subject",
		"Message": "Message",
	}[fe.Field()]

	switch fe.Tag() {
	case "required":
		return label + " is required."
	case "min":
		return fmt.Sprintf("%s must be at least %s characters long.", label, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long.", label, fe.Param())
	case "email":
		return "Please enter a valid email address."
	default:
		return label + " is invalid."
	}
}
