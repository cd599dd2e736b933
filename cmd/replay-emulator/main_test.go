package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/taskreplay/internal/auth"
	"github.com/austindbirch/taskreplay/internal/config"
)

func TestBaselinePolicy(t *testing.T) {
	cfg := config.Config{Replay: config.Replay{
		SkipSequences: []string{"sequence.skip"},
		MaxRunsForKey: map[string]int{"k": 3},
	}}
	p := baselinePolicy(cfg)
	assert.Equal(t, []string{"sequence.skip"}, p.SkipSequences)
	assert.Equal(t, map[string]int{"k": 3}, p.MaxRunsForKey)
	assert.NoError(t, p.Validate())
}

func TestTokenSource(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		static bool
	}{
		{name: "static token without secret", secret: "", static: true},
		{name: "signed token with secret", secret: "s3cret", static: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Config{Auth: config.Auth{Secret: tt.secret, Issuer: "taskreplay", Audience: "push"}}
			ts, err := tokenSource(cfg)
			require.NoError(t, err)

			tok, err := ts.Token(context.Background())
			require.NoError(t, err)
			if tt.static {
				assert.Equal(t, auth.DefaultStaticToken, tok)
				return
			}
			v, err := auth.NewHMACVerifier(tt.secret, "taskreplay", "push")
			require.NoError(t, err)
			sub, err := v.ValidateToken(tok)
			require.NoError(t, err)
			assert.Equal(t, serviceName, sub)
		})
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := config.Config{Replay: config.Replay{PushPath: "/message", Subscription: "sub", DefaultQueue: "projects/a/locations/b/queues/c"}}
	assert.Len(t, engineOptions(cfg, auth.StaticToken("t")), 5)

	cfg.Replay.DeadLetterTopic = "dead"
	assert.Len(t, engineOptions(cfg, auth.StaticToken("t")), 6)
}
