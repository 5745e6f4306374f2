package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffAccounts(t *testing.T) {
	a1, a2, a3 := mockAccount("1"), mockAccount("2"), mockAccount("3")
	a2b := mockAccount("2")
	a2b.AutoRestart = Bool(true)

	d := DiffAccounts([]AccountConfig{a1, a2}, []AccountConfig{a2b, a3})
	assert.Equal(t, []AccountConfig{a3}, d.Added)
	assert.Equal(t, []AccountConfig{a2b}, d.Updated)
	assert.Equal(t, []AccountKey{{Platform: "mock", AccountID: "1"}}, d.Removed)

	assert.True(t, DiffAccounts([]AccountConfig{a1}, []AccountConfig{a1}).Empty())
}

func TestSummarizeNeverLeaksSecrets(t *testing.T) {
	oldCfg := &Config{Server: ServerConfig{Username: "admin", Password: "old"}}
	newCfg := &Config{Server: ServerConfig{Username: "admin", Password: "hunter2"}, Accounts: []AccountConfig{mockAccount("1")}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"server", "accounts"}, changed)
	assert.NotEmpty(t, attrs)
}
