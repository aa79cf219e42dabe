package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"tasksync/internal/auth"
)

func TestSocketURL(t *testing.T) {
	cases := []struct {
		server string
		want   string
	}{
		{server: "http://localhost:8787", want: "ws://localhost:8787/api/ws"},
		{server: "https://sync.example.com/", want: "wss://sync.example.com/api/ws"},
		{server: "ws://10.0.0.1:9000", want: "ws://10.0.0.1:9000/api/ws"},
	}
	for _, tc := range cases {
		f := &rootFlags{server: tc.server}
		if got := f.socketURL(); got != tc.want {
			t.Errorf("socketURL(%q) = %q, want %q", tc.server, got, tc.want)
		}
	}
}

func TestTokenCommandMintsParsableCredential(t *testing.T) {
	t.Setenv("TASKSYNC_JWT_SECRET", "cli-secret")

	cmd := tokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--user", "u1", "--name", "Avery", "--role", "admin", "--ttl", "1h"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	claims, err := auth.ParseToken([]byte("cli-secret"), strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "u1" || claims.Name != "Avery" || claims.Role != "admin" {
		t.Fatalf("claims = %+v", claims)
	}
	if remaining := time.Until(time.Unix(claims.Exp, 0)); remaining > time.Hour || remaining < 59*time.Minute {
		t.Fatalf("expiry in %v, want about 1h", remaining)
	}
}

func TestConnectRequiresToken(t *testing.T) {
	f := &rootFlags{server: "http://localhost:1"}
	if _, err := f.connect(context.Background(), nil); err == nil {
		t.Fatal("expected an error without a credential")
	}
}
