package app

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// lockedBuffer はゴルーチンから書き込まれるログを安全に読むためのバッファ。
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setMemoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BCRYPT_COST", "4")
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("TASKSYNC_EMAIL", "")
	t.Setenv("TASKSYNC_PASSWORD", "")
	t.Setenv("TASKSYNC_PROJECT", "")
}

func TestNewRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand(io.Discard)

	want := []string{CommandAgent, CommandMigrate, CommandHealthcheck, CommandSignUp, CommandResetPassword}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Errorf("subcommand %q not found", name)
		}
	}
}

func TestNewRootCommand_Flags(t *testing.T) {
	root := NewRootCommand(io.Discard)

	tests := []struct {
		command string
		flags   []string
	}{
		{CommandSignUp, []string{"email", "password", "display-name"}},
		{CommandResetPassword, []string{"email", "token", "new-password"}},
	}
	for _, tt := range tests {
		cmd, _, err := root.Find([]string{tt.command})
		if err != nil {
			t.Fatalf("Find(%q): %v", tt.command, err)
		}
		for _, f := range tt.flags {
			if cmd.Flags().Lookup(f) == nil {
				t.Errorf("%s should have --%s", tt.command, f)
			}
		}
	}
}

func TestRunContext_UnknownCommand(t *testing.T) {
	err := RunContext(context.Background(), io.Discard, []string{"serve"})
	if err == nil {
		t.Fatal("unknown subcommand should return error")
	}
}

func TestRunContext_SignUp_MemoryBackend(t *testing.T) {
	setMemoryEnv(t)

	var out lockedBuffer
	err := RunContext(context.Background(), &out, []string{
		CommandSignUp, "--email", "alice@example.com", "--password", "secret123", "--display-name", "Alice",
	})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if !strings.Contains(out.String(), "created user") {
		t.Errorf("output should report the created user:\n%s", out.String())
	}
}

func TestRunContext_SignUp_WeakPassword(t *testing.T) {
	setMemoryEnv(t)

	err := RunContext(context.Background(), &lockedBuffer{}, []string{
		CommandSignUp, "--email", "alice@example.com", "--password", "123",
	})
	if err == nil {
		t.Fatal("weak password should fail")
	}
	if !strings.Contains(err.Error(), "WEAK_PASSWORD") {
		t.Errorf("error = %v, want WEAK_PASSWORD", err)
	}
}

func TestRunContext_SignUp_RequiresEmail(t *testing.T) {
	setMemoryEnv(t)

	err := RunContext(context.Background(), io.Discard, []string{CommandSignUp, "--password", "secret123"})
	if err == nil {
		t.Fatal("missing --email should fail")
	}
}

func TestRunContext_ResetPassword_FlagRules(t *testing.T) {
	setMemoryEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no flags", []string{CommandResetPassword}},
		{"email and token", []string{CommandResetPassword, "--email", "a@example.com", "--token", "x", "--new-password", "secret123"}},
		{"token without new password", []string{CommandResetPassword, "--token", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := RunContext(context.Background(), io.Discard, tt.args); err == nil {
				t.Error("expected flag validation error")
			}
		})
	}
}

func TestRunContext_ResetPassword_UnknownEmail(t *testing.T) {
	setMemoryEnv(t)

	err := RunContext(context.Background(), &lockedBuffer{}, []string{CommandResetPassword, "--email", "nobody@example.com"})
	if err == nil {
		t.Fatal("reset for unknown email should fail")
	}
}

func TestRunContext_ResetPassword_InvalidToken(t *testing.T) {
	setMemoryEnv(t)

	err := RunContext(context.Background(), &lockedBuffer{}, []string{
		CommandResetPassword, "--token", "not-a-token", "--new-password", "secret123",
	})
	if err == nil {
		t.Fatal("invalid token should fail")
	}
	if !strings.Contains(err.Error(), "INVALID_RESET_TOKEN") {
		t.Errorf("error = %v, want INVALID_RESET_TOKEN", err)
	}
}

func TestRunContext_Migrate_RequiresPostgres(t *testing.T) {
	setMemoryEnv(t)

	err := RunContext(context.Background(), io.Discard, []string{CommandMigrate})
	if err == nil {
		t.Fatal("migrate with memory backend should fail")
	}
}

func TestRunContext_Healthcheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERVER_PORT", u.Port())

	if err := RunContext(context.Background(), io.Discard, []string{CommandHealthcheck}); err != nil {
		t.Errorf("healthcheck: %v", err)
	}
}

func TestRunContext_Healthcheck_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	t.Setenv("SERVER_PORT", u.Port())

	if err := RunContext(context.Background(), io.Discard, []string{CommandHealthcheck}); err == nil {
		t.Error("healthcheck should fail for 503")
	}
}
