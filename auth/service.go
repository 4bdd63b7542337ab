package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidToken covers every bearer token rejection.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// TokenTTL is how long an issued bearer token stays valid.
const TokenTTL = 12 * time.Hour

const issuer = "prospectflow"

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      User
}

func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateOperator opens an account. Role defaults to operator.
func (s *Service) CreateOperator(ctx context.Context, req CreateOperatorRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	email := strings.TrimSpace(req.Email)
	name := strings.TrimSpace(req.FullName)
	if email == "" || name == "" {
		return nil, fmt.Errorf("auth: email and full_name are required")
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleOperator
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("auth: invalid role %q", role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        email,
		FullName:     name,
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Login authenticates a user and returns a signed bearer token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, exp, err := s.generateToken(user.ID, user.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: exp, User: user}, nil
}

func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a bearer token and returns who it was issued to.
func (s *Service) VerifyToken(tokenString string) (Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" || !isValidRole(c.Role) {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: c.Subject, Role: c.Role}, nil
}

func (s *Service) generateToken(userID string, role Role) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleOperator:
		return true
	default:
		return false
	}
}
