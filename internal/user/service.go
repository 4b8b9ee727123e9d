package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredential covers every verification failure the handshake can
// hit: bad signature, expired token, or a user that no longer exists. The
// connection is rejected with no retry.
var ErrInvalidCredential = errors.New("user: invalid credential")

// Store is the persistence surface the service needs; *Repository satisfies
// it, tests swap in memory.
type Store interface {
	Create(ctx context.Context, u *User) (*User, error)
	ByUsername(ctx context.Context, username string) (*User, error)
	Exists(ctx context.Context, id int) (bool, error)
	Search(ctx context.Context, query string) ([]User, error)
}

type Service struct {
	repo      Store
	jwtSecret string
}

type Claims struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
	}
}

func (s *Service) Register(ctx context.Context, creds *Credentials) (*User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username: creds.Username,
		Password: string(hashed),
	}
	return s.repo.Create(ctx, u)
}

func (s *Service) Login(ctx context.Context, creds *Credentials) (*LoginResponse, error) {
	u, err := s.repo.ByUsername(ctx, creds.Username)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(creds.Password)); err != nil {
		return nil, ErrInvalidCredential
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "crm-realtime",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	})

	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: signed,
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

// ValidateToken is the credential verifier for the connection handshake:
// given a bearer token, return the identity or fail. The existence check
// against the store rejects tokens whose user was deleted after issuance.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (int, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return 0, "", ErrInvalidCredential
	}

	exists, err := s.repo.Exists(ctx, claims.ID)
	if err != nil {
		return 0, "", err
	}
	if !exists {
		return 0, "", ErrInvalidCredential
	}

	return claims.ID, claims.Username, nil
}

func (s *Service) Search(ctx context.Context, query string) ([]User, error) {
	return s.repo.Search(ctx, query)
}
