package accounts

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createWithPriority(t *testing.T, reg *Registry, name string, priority int) *Account {
	t.Helper()
	acct, err := reg.Create(context.Background(), CreateParams{
		Name:     name,
		APIKey:   "sk-" + name,
		Priority: &priority,
	})
	require.NoError(t, err)
	return acct
}

func TestSelectorOrdersByPriorityDescending(t *testing.T) {
	reg, _ := setupRegistry(t)
	sel := NewSelector(reg)
	ctx := context.Background()

	low := createWithPriority(t, reg, "low", 50)
	high := createWithPriority(t, reg, "high", 80)

	authType := AuthTypeAPIKey
	_, err := reg.Update(ctx, low.ID, UpdateParams{AuthType: &authType})
	require.NoError(t, err)

	available, err := sel.Available(ctx)
	require.NoError(t, err)
	require.Len(t, available, 2)
	assert.Equal(t, high.ID, available[0].ID)
	assert.Equal(t, low.ID, available[1].ID)
	assert.Equal(t, "sk-high", available[0].APIKey, "available accounts carry decrypted secrets")
}

func TestSelectorTieBreaksOnID(t *testing.T) {
	reg, _ := setupRegistry(t)
	sel := NewSelector(reg)
	ctx := context.Background()

	a := createWithPriority(t, reg, "a", 50)
	b := createWithPriority(t, reg, "b", 50)
	c := createWithPriority(t, reg, "c", 50)

	ids := []string{a.ID, b.ID, c.ID}
	want := append([]string(nil), ids...)
	sort.Strings(want)

	available, err := sel.Available(ctx)
	require.NoError(t, err)
	require.Len(t, available, 3)
	for i, acct := range available {
		assert.Equal(t, want[i], acct.ID)
	}
}

func TestSelectorExcludesInactiveAndErrored(t *testing.T) {
	reg, _ := setupRegistry(t)
	sel := NewSelector(reg)
	ctx := context.Background()

	ok := createWithPriority(t, reg, "ok", 50)
	disabled := createWithPriority(t, reg, "disabled", 90)
	errored := createWithPriority(t, reg, "errored", 90)

	inactive := false
	_, err := reg.Update(ctx, disabled.ID, UpdateParams{Active: &inactive})
	require.NoError(t, err)

	status := StatusError
	_, err = reg.Update(ctx, errored.ID, UpdateParams{Status: &status})
	require.NoError(t, err)

	available, err := sel.Available(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, ok.ID, available[0].ID)
}

func TestIsModelSupported(t *testing.T) {
	open := &Account{}
	assert.True(t, open.IsModelSupported("gpt-4o"), "empty set allows all models")

	scoped := &Account{SupportedModels: []string{"gpt-4o", "o3-mini"}}
	assert.True(t, scoped.IsModelSupported("o3-mini"))
	assert.False(t, scoped.IsModelSupported("gpt-3.5-turbo"))
}

func TestSelectForModel(t *testing.T) {
	reg, _ := setupRegistry(t)
	sel := NewSelector(reg)
	ctx := context.Background()

	prio := 90
	narrow, err := reg.Create(ctx, CreateParams{
		Name:            "narrow",
		APIKey:          "sk-narrow",
		Priority:        &prio,
		SupportedModels: []string{"o3-mini"},
	})
	require.NoError(t, err)
	broad := createWithPriority(t, reg, "broad", 50)

	acct, err := sel.SelectForModel(ctx, "o3-mini")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, narrow.ID, acct.ID)

	acct, err = sel.SelectForModel(ctx, "gpt-4o")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, broad.ID, acct.ID)
}
