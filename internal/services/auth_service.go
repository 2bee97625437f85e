package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/enterprise/txn-sentinel/internal/auth"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password does not meet requirements")
	ErrInvalidRole        = errors.New("role must be analyst or admin")
)

// operatorStore is the slice of the operator repository the service uses.
type operatorStore interface {
	Create(ctx context.Context, op *models.Operator) error
	GetByEmail(ctx context.Context, email string) (*models.Operator, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Operator, error)
}

// AuthService handles operator registration and login
type AuthService struct {
	operators  operatorStore
	jwtManager *auth.JWTManager
}

// NewAuthService creates a new auth service
func NewAuthService(operators operatorStore, jwtManager *auth.JWTManager) *AuthService {
	return &AuthService{
		operators:  operators,
		jwtManager: jwtManager,
	}
}

// RegisterRequest represents an operator registration request
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents an authentication response
type AuthResponse struct {
	Token     string           `json:"token"`
	ExpiresIn int64            `json:"expires_in"`
	Operator  OperatorResponse `json:"operator"`
}

// OperatorResponse represents an operator in responses
type OperatorResponse struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt string    `json:"created_at"`
}

// Register creates a new operator account and returns a fresh token
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	if !auth.ValidatePassword(req.Password) {
		return nil, ErrWeakPassword
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := req.Role
	if role == "" {
		role = models.RoleAnalyst
	}
	if role != models.RoleAnalyst && role != models.RoleAdmin {
		return nil, ErrInvalidRole
	}

	op := &models.Operator{
		Email:        req.Email,
		PasswordHash: hashed,
		Role:         role,
	}

	if err := s.operators.Create(ctx, op); err != nil {
		if errors.Is(err, repositories.ErrOperatorExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create operator: %w", err)
	}

	return s.respond(op)
}

// Login authenticates an operator by email and password
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	op, err := s.operators.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repositories.ErrOperatorNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find operator: %w", err)
	}

	if !auth.CheckPassword(req.Password, op.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return s.respond(op)
}

// RefreshToken exchanges a still-valid token for a new one
func (s *AuthService) RefreshToken(ctx context.Context, currentToken string) (*AuthResponse, error) {
	claims, err := s.jwtManager.ValidateToken(currentToken)
	if err != nil {
		return nil, err
	}

	op, err := s.operators.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("operator not found: %w", err)
	}

	return s.respond(op)
}

func (s *AuthService) respond(op *models.Operator) (*AuthResponse, error) {
	token, err := s.jwtManager.GenerateToken(op.ID, op.Email, op.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &AuthResponse{
		Token:     token,
		ExpiresIn: s.jwtManager.ExpirationSeconds(),
		Operator: OperatorResponse{
			ID:        op.ID,
			Email:     op.Email,
			Role:      op.Role,
			CreatedAt: op.CreatedAt.Format(time.RFC3339),
		},
	}, nil
}
