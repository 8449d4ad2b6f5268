package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/smtprelay/internal/config"
)

func TestResolveAccount(t *testing.T) {
	cfg := &config.Config{
		Accounts: []config.Account{
			{Label: "work"},
			{Label: "home", Default: true},
		},
	}

	acct, err := resolveAccount(cfg, "work")
	require.NoError(t, err)
	assert.Equal(t, "work", acct.Label)

	acct, err = resolveAccount(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "home", acct.Label)

	_, err = resolveAccount(cfg, "nope")
	assert.Error(t, err)
}

func TestResolveAccount_NoDefault(t *testing.T) {
	cfg := &config.Config{Accounts: []config.Account{{Label: "work"}}}

	_, err := resolveAccount(cfg, "")
	assert.Error(t, err)
}
