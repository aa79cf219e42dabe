package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMintAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := Mint(secret, "user-1", "Avery", "member", time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Name != "Avery" || claims.Role != "member" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !strings.HasPrefix(claims.JTI, "jti_") {
		t.Fatalf("JTI = %q", claims.JTI)
	}
}

func TestParseTokenRejects(t *testing.T) {
	secret := []byte("secret")
	valid, err := IssueToken(secret, Claims{Sub: "u", Name: "n", JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	expired, err := IssueToken(secret, Claims{Sub: "u", Name: "n", JTI: "j", Exp: time.Now().Add(-time.Minute).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	incomplete, err := IssueToken(secret, Claims{Sub: "u", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "expired", token: expired, want: ErrExpiredToken},
		{name: "wrong secret", token: mustIssue(t, []byte("other")), want: ErrInvalidToken},
		{name: "tampered", token: "x" + valid, want: ErrInvalidToken},
		{name: "extra segment", token: valid + ".extra", want: ErrInvalidToken},
		{name: "no signature", token: "payload", want: ErrInvalidToken},
		{name: "missing claims", token: incomplete, want: ErrInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseToken(secret, tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("ParseToken() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestMintRequiresIdentity(t *testing.T) {
	if _, err := Mint([]byte("secret"), "", "Avery", "member", time.Hour); err == nil {
		t.Fatal("expected Mint() to reject an empty user id")
	}
}

func mustIssue(t *testing.T, secret []byte) string {
	t.Helper()
	token, err := Mint(secret, "user-1", "Avery", "member", time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	return token
}
