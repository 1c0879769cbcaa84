package secret

import (
	"errors"
	"testing"
)

func TestEnvVar(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		want string
	}{
		{"groq", "GROQ_API_KEY"},
		{"workers-ai", "WORKERS_AI_API_KEY"},
		{"openai.backup", "OPENAI_BACKUP_API_KEY"},
		{"Gemini2", "GEMINI2_API_KEY"},
	}
	for _, tt := range tests {
		if got := EnvVar(tt.key); got != tt.want {
			t.Errorf("EnvVar(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestEnvProviderPrecedence(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv.
	t.Setenv("GROQ_API_KEY", "env-key")

	p := NewEnvProvider()
	p.SetFallback("groq", "config-key")

	got, err := p.Get("groq")
	if err != nil {
		t.Fatal(err)
	}
	if got != "env-key" {
		t.Errorf("Get = %q, want env value over fallback", got)
	}
}

func TestEnvProviderFallback(t *testing.T) {
	t.Parallel()

	p := NewEnvProvider()
	p.SetFallback("together", "config-key")

	got, err := p.Get("together")
	if err != nil {
		t.Fatal(err)
	}
	if got != "config-key" {
		t.Errorf("Get = %q, want %q", got, "config-key")
	}
}

func TestEnvProviderMissing(t *testing.T) {
	t.Parallel()

	p := NewEnvProvider()
	p.SetFallback("cohere", "") // empty values must not be stored

	_, err := p.Get("cohere")
	if !errors.Is(err, ErrMissing) {
		t.Errorf("Get err = %v, want ErrMissing", err)
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()

	s := Static{"openai": "sk-test"}

	got, err := s.Get("openai")
	if err != nil || got != "sk-test" {
		t.Errorf("Get = %q, %v", got, err)
	}
	if _, err := s.Get("groq"); !errors.Is(err, ErrMissing) {
		t.Errorf("Get err = %v, want ErrMissing", err)
	}
}
