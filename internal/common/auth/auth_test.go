package auth

import (
	"testing"
	"time"

	pkgerrors "autojudge/pkg/errors"
)

func TestAuthenticateRoles(t *testing.T) {
	hash, err := HashJudgeToken("hashed-secret")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	svc := NewService(Config{JWTSecret: "s3cret", JWTIssuer: "autojudge", JudgeToken: "plain-secret", JudgeTokenHash: hash})

	for _, tok := range []string{"plain-secret", "hashed-secret"} {
		id, err := svc.Authenticate(tok)
		if err != nil || id.Role != RoleJudge {
			t.Fatalf("expected judge role for %q, got %+v %v", tok, id, err)
		}
	}

	tok, err := svc.IssueToken("alice", time.Minute)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	id, err := svc.AuthenticateUser(tok)
	if err != nil || id.Role != RoleUser || id.Subject != "alice" {
		t.Fatalf("unexpected user identity: %+v %v", id, err)
	}
	if _, err := svc.AuthenticateUser("plain-secret"); !pkgerrors.Is(err, pkgerrors.RoleMismatch) {
		t.Fatalf("judge token must not pass as a user, got %v", err)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	svc := NewService(Config{JWTSecret: "s3cret"})
	expired, err := svc.IssueToken("bob", -time.Minute)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	other := NewService(Config{JWTSecret: "other"})
	foreign, _ := other.IssueToken("bob", time.Minute)

	cases := []struct {
		name string
		raw  string
		code pkgerrors.ErrorCode
	}{
		{"empty", "", pkgerrors.Unauthorized},
		{"garbage", "not-a-jwt", pkgerrors.TokenInvalid},
		{"expired", expired, pkgerrors.TokenExpired},
		{"wrong key", foreign, pkgerrors.TokenInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Authenticate(tc.raw); !pkgerrors.Is(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code.Name(), err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer  abc "); got != "abc" {
		t.Fatalf("unexpected token %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
