package launcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hawkeye-speaks/DRIS1/internal/config"
)

func TestBuildEnv(t *testing.T) {
	cfg := config.HM6Config{
		CredentialEnv: []string{"OPENROUTER_KEY_GPT4", "XAI_KEY", "PATH"},
		PassEnv:       []string{"PATH", "HOME"},
	}
	environ := []string{
		"PATH=/bin",
		"HOME=/home/hm6",
		"XAI_KEY=a=b=c",
		"STRIPE_SECRET_KEY=sk_live",
		"=broken",
		"noequals",
	}

	got := buildEnv(environ, cfg, Request{SessionID: "123-abc"})
	assert.Equal(t, []string{
		"HM6_SESSION_ID=123-abc",
		"HOME=/home/hm6",
		"PATH=/bin",
		"XAI_KEY=a=b=c",
	}, got)
}

func TestBuildArgs(t *testing.T) {
	assert.Equal(t, []string{"-query", "hello"}, buildArgs(Request{Query: "hello"}))
	assert.Equal(t, []string{"-query", "-foundation", "-foundation", "2"},
		buildArgs(Request{Query: "-foundation", Foundation: 2}))
}
