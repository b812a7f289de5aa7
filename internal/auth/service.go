package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Username constraints for registration.
const (
	usernameMinLength = 3
	usernameMaxLength = 32
	passwordMinLength = 8
)

// Service implements registration and login over a user repository.
// Usernames are case-folded on the way in so "Alice" and "alice" are
// the same account and the same device owner.
type Service struct {
	repo       UserRepository
	secret     string
	ttlMinutes int
}

// NewService creates an auth service. secret signs access tokens.
func NewService(repo UserRepository, secret string, ttlMinutes int) *Service {
	return &Service{repo: repo, secret: secret, ttlMinutes: ttlMinutes}
}

// Register creates a new account with a hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (*User, error) {
	username = NormalizeUsername(username)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if len(password) < passwordMinLength {
		return nil, fmt.Errorf("password must be at least %d characters", passwordMinLength)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &User{Username: username, PasswordHash: hash}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies credentials and issues an access token. Unknown users
// and wrong passwords both map to ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (*User, string, error) {
	user, err := s.repo.GetByUsername(ctx, NormalizeUsername(username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, "", fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return nil, "", ErrInvalidCredentials
	}

	token, err := GenerateToken(user, s.secret, s.ttlMinutes)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// VerifyToken parses an access token and returns the claims.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	return ParseToken(tokenString, s.secret)
}

// NormalizeUsername case-folds and trims a username. Device ownership
// checks compare against the normalized form.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateUsername(username string) error {
	if len(username) < usernameMinLength || len(username) > usernameMaxLength {
		return fmt.Errorf("username must be %d-%d characters", usernameMinLength, usernameMaxLength)
	}
	for _, r := range username {
		isLower := r >= 'a' && r <= 'z'
		isDigit := r >= '0' && r <= '9'
		if !isLower && !isDigit && r != '_' && r != '-' && r != '.' {
			return fmt.Errorf("username contains invalid character %q", r)
		}
	}
	return nil
}
