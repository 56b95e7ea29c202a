package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Owner = "carol"
	cfg.Store.Token = "from-config"

	cfg.Override("", "")
	assert.Equal(t, "carol", cfg.Owner)
	assert.Equal(t, "from-config", cfg.Store.GetToken())

	cfg.Override("dave", "from-flag")
	assert.Equal(t, "dave", cfg.EffectiveOwner())
	assert.Equal(t, "from-flag", cfg.Store.GetToken())
}

func TestOverrideIsPerConfig(t *testing.T) {
	a, b := DefaultConfig(), DefaultConfig()
	a.Override("alice", "")
	assert.Equal(t, "alice", a.EffectiveOwner())
	assert.Empty(t, b.Owner)
}

func TestEffectiveOwnerDefaultsToUser(t *testing.T) {
	t.Setenv("USER", "testuser")

	cfg := DefaultConfig()
	assert.Equal(t, "testuser", cfg.EffectiveOwner())

	cfg.Owner = "carol"
	assert.Equal(t, "carol", cfg.EffectiveOwner())
}
