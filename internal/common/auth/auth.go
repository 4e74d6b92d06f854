// Package auth resolves the caller behind a bearer token: a user holding a
// JWT access token or a judge worker holding the static judge token.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "autojudge/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Roles a connection or request can hold.
const (
	RoleUser  = "user"
	RoleJudge = "judge"
)

// Identity is an authenticated caller.
type Identity struct {
	Role    string
	Subject string
}

// Config holds the token settings.
type Config struct {
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
	// JudgeToken is the plain judge token; JudgeTokenHash a bcrypt hash of
	// it. Either enables the judge role.
	JudgeToken     string `yaml:"judgeToken"`
	JudgeTokenHash string `yaml:"judgeTokenHash"`
}

// Service validates bearer tokens.
type Service struct {
	jwtSecret  []byte
	jwtIssuer  string
	judgeToken []byte
	judgeHash  []byte
}

func NewService(cfg Config) *Service {
	s := &Service{
		jwtSecret: []byte(cfg.JWTSecret),
		jwtIssuer: cfg.JWTIssuer,
	}
	if cfg.JudgeToken != "" {
		s.judgeToken = []byte(cfg.JudgeToken)
	}
	if cfg.JudgeTokenHash != "" {
		s.judgeHash = []byte(cfg.JudgeTokenHash)
	}
	return s
}

type tokenClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticate resolves raw into an identity. The judge token is checked
// first; anything else must be a user access token.
func (s *Service) Authenticate(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, pkgerrors.New(pkgerrors.Unauthorized)
	}
	if s.isJudgeToken(raw) {
		return Identity{Role: RoleJudge, Subject: RoleJudge}, nil
	}
	claims, err := s.parseToken(raw)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Role: RoleUser, Subject: claims.Subject}, nil
}

// AuthenticateUser is Authenticate restricted to user tokens.
func (s *Service) AuthenticateUser(raw string) (Identity, error) {
	id, err := s.Authenticate(raw)
	if err != nil {
		return Identity{}, err
	}
	if id.Role != RoleUser {
		return Identity{}, pkgerrors.New(pkgerrors.RoleMismatch)
	}
	return id, nil
}

// IssueToken signs a user access token. Used by tooling and tests.
func (s *Service) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", pkgerrors.New(pkgerrors.TokenInvalid).WithMessage("jwt secret is not configured")
	}
	now := time.Now()
	claims := tokenClaims{
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *Service) isJudgeToken(raw string) bool {
	if len(s.judgeToken) > 0 && subtle.ConstantTimeCompare(s.judgeToken, []byte(raw)) == 1 {
		return true
	}
	if len(s.judgeHash) > 0 && bcrypt.CompareHashAndPassword(s.judgeHash, []byte(raw)) == nil {
		return true
	}
	return false
}

func (s *Service) parseToken(raw string) (*tokenClaims, error) {
	if len(s.jwtSecret) == 0 {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if s.jwtIssuer != "" && claims.Issuer != s.jwtIssuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != "access" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.Subject == "" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// HashJudgeToken returns the bcrypt hash to put in judgeTokenHash.
func HashJudgeToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
