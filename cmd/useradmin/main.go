// Package main は運用者向けのユーザー管理 CLI です。
//
//	useradmin create -email a@example.com -username alice -name "Alice" [-admin]
//	useradmin set-admin -email a@example.com [-value=false]
//	useradmin set-active -email a@example.com [-value=false]
//	useradmin verify-email -email a@example.com
//	useradmin revoke-remember -email a@example.com
//	useradmin migrate
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/yourusername/learncode/internal/auth"
	"github.com/yourusername/learncode/internal/config"
	"github.com/yourusername/learncode/internal/logging"
	"github.com/yourusername/learncode/internal/repository"
	"github.com/yourusername/learncode/internal/repository/sqlstore"
)

const usage = `usage: useradmin <command> [flags]

commands:
  create           create a user (password is read from the terminal)
  set-admin        grant or revoke admin privileges
  set-active       activate or deactivate an account
  verify-email     mark the email address as verified
  revoke-remember  clear the remember-me token
  migrate          apply database migrations`

// readPassword は term.ReadPassword の差し替え口です。
var readPassword = term.ReadPassword

type userAdmin interface {
	Create(ctx context.Context, user *repository.User) error
	GetByEmail(ctx context.Context, email string) (*repository.User, error)
	UpdateFlags(ctx context.Context, id int64, flags repository.Flags) error
	ClearRememberToken(ctx context.Context, id int64) error
}

type cli struct {
	users  userAdmin
	hasher *auth.PasswordHasher
	stdin  *bufio.Reader
	stdout io.Writer
	logger *logrus.Logger
	// パスワードを端末以外（パイプ）から読む場合に true
	pipedInput bool
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})

	db, err := sqlstore.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	if os.Args[1] == "migrate" {
		if err := sqlstore.Migrate(db); err != nil {
			logger.WithError(err).Fatal("failed to apply migrations")
		}
		fmt.Println("migrations applied")
		return
	}

	c := &cli{
		users:      sqlstore.NewUserRepository(db),
		hasher:     auth.NewPasswordHasher(cfg.BcryptCost, logger),
		stdin:      bufio.NewReader(os.Stdin),
		stdout:     os.Stdout,
		logger:     logger,
		pipedInput: !term.IsTerminal(int(os.Stdin.Fd())),
	}
	if err := c.run(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "useradmin: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		return c.create(ctx, rest)
	case "set-admin":
		return c.setFlag(ctx, cmd, rest, func(v bool) repository.Flags { return repository.Flags{IsAdmin: &v} })
	case "set-active":
		return c.setFlag(ctx, cmd, rest, func(v bool) repository.Flags { return repository.Flags{IsActive: &v} })
	case "verify-email":
		return c.setFlag(ctx, cmd, rest, func(bool) repository.Flags {
			verified := true
			return repository.Flags{EmailVerified: &verified}
		})
	case "revoke-remember":
		return c.revokeRemember(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func (c *cli) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(c.stdout)
	email := fs.String("email", "", "email address")
	username := fs.String("username", "", "username")
	name := fs.String("name", "", "full name")
	admin := fs.Bool("admin", false, "grant admin privileges")
	unverified := fs.Bool("unverified", false, "leave the email address unverified")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *username == "" {
		return errors.New("create: -email and -username are required")
	}

	password, err := c.promptPassword()
	if err != nil {
		return err
	}
	if err := auth.ValidatePasswordStrength(password); err != nil {
		return fmt.Errorf("create: %s", auth.AsError(err).Message)
	}
	hash, err := c.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	user := &repository.User{
		Username:      strings.TrimSpace(*username),
		Email:         strings.TrimSpace(*email),
		PasswordHash:  hash,
		FullName:      strings.TrimSpace(*name),
		IsAdmin:       *admin,
		IsActive:      true,
		EmailVerified: !*unverified,
	}
	if err := c.users.Create(ctx, user); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
		"admin":    user.IsAdmin,
	}).Info("user created by operator")
	fmt.Fprintf(c.stdout, "created user %d (%s)\n", user.ID, user.Email)
	return nil
}

func (c *cli) setFlag(ctx context.Context, cmd string, args []string, flags func(bool) repository.Flags) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(c.stdout)
	email := fs.String("email", "", "email address")
	value := fs.Bool("value", true, "new value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	user, err := c.lookup(ctx, cmd, *email)
	if err != nil {
		return err
	}
	if err := c.users.UpdateFlags(ctx, user.ID, flags(*value)); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	c.logger.WithFields(logrus.Fields{
		"user_id": user.ID,
		"command": cmd,
		"value":   *value,
	}).Info("user flags updated by operator")
	fmt.Fprintf(c.stdout, "%s: updated user %d\n", cmd, user.ID)
	return nil
}

func (c *cli) revokeRemember(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("revoke-remember", flag.ContinueOnError)
	fs.SetOutput(c.stdout)
	email := fs.String("email", "", "email address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	user, err := c.lookup(ctx, "revoke-remember", *email)
	if err != nil {
		return err
	}
	if err := c.users.ClearRememberToken(ctx, user.ID); err != nil {
		return fmt.Errorf("revoke-remember: %w", err)
	}
	c.logger.WithField("user_id", user.ID).Info("remember token revoked by operator")
	fmt.Fprintf(c.stdout, "revoke-remember: cleared token for user %d\n", user.ID)
	return nil
}

func (c *cli) lookup(ctx context.Context, cmd, email string) (*repository.User, error) {
	if email == "" {
		return nil, fmt.Errorf("%s: -email is required", cmd)
	}
	user, err := c.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return user, nil
}

// promptPassword はパスワードを2回読み、一致したものを返します。
// 標準入力がパイプの場合は1行だけ読みます。
func (c *cli) promptPassword() (string, error) {
	if c.pipedInput {
		line, err := c.stdin.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(c.stdout, "Password: ")
	first, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(c.stdout)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprint(c.stdout, "Confirm password: ")
	second, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(c.stdout)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}
