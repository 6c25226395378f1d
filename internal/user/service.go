package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go-dm/internal/apperr"
	"go-dm/internal/auth"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultHashCost = 12
	SearchLimit     = 10
)

type Service struct {
	store    Store
	tokens   *auth.Tokens
	hashCost int
}

type ServiceOption func(*Service)

// WithHashCost overrides the bcrypt cost; tests use bcrypt.MinCost.
func WithHashCost(cost int) ServiceOption {
	return func(s *Service) { s.hashCost = cost }
}

func NewService(store Store, tokens *auth.Tokens, opts ...ServiceOption) *Service {
	s := &Service{store: store, tokens: tokens, hashCost: DefaultHashCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func invalidCredentials() error { return apperr.Unauthenticated("Invalid credentials") }
func unauthorized() error       { return apperr.Unauthenticated("Unauthorized") }

func (s *Service) Register(ctx context.Context, req RegisterRequest) (Session, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.hashCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	u, err := s.store.Create(ctx, User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        strings.ToLower(req.Email),
		PasswordHash: string(hash),
	})
	if err != nil {
		return Session{}, err
	}
	return s.issue(u)
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (Session, error) {
	u, err := s.store.ByEmail(ctx, strings.ToLower(req.Email))
	if errors.Is(err, ErrNotFound) {
		return Session{}, invalidCredentials()
	}
	if err != nil {
		return Session{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		return Session{}, invalidCredentials()
	}
	return s.issue(u)
}

// Refresh trades a refresh token for a new pair. Any failure is a plain 401.
func (s *Service) Refresh(ctx context.Context, raw string) (Session, error) {
	if raw == "" {
		return Session{}, unauthorized()
	}
	userID, err := s.tokens.VerifyRefresh(raw)
	if err != nil {
		return Session{}, unauthorized()
	}
	u, err := s.Me(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issue(u)
}

// Me loads the authenticated user. A token for a deleted user is a 401.
func (s *Service) Me(ctx context.Context, userID string) (User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return User{}, unauthorized()
	}
	u, err := s.store.ByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return User{}, unauthorized()
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// Search finds people to start a conversation with. Emails are never
// exposed in results.
func (s *Service) Search(ctx context.Context, callerID, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []User{}, nil
	}

	found, err := s.store.Search(ctx, query, callerID, SearchLimit)
	if err != nil {
		return nil, err
	}
	return lo.Map(found, func(u User, _ int) User {
		return User{ID: u.ID, Username: u.Username}
	}), nil
}

func (s *Service) issue(u User) (Session, error) {
	access, err := s.tokens.IssueAccess(u.ID)
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.tokens.IssueRefresh(u.ID)
	if err != nil {
		return Session{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return Session{User: u, AccessToken: access, RefreshToken: refresh}, nil
}
