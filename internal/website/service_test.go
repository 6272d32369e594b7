package website

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantDefaultPermissions(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, []string{"view-self", "recheck"}, nil)
	ctx := context.Background()

	userID, err := store.FindOrCreateUser(ctx, "newbie")
	require.NoError(t, err)

	// Unclaimed account: nothing to grant onto.
	granted, err := svc.GrantDefaultPermissions(ctx, userID)
	require.NoError(t, err)
	assert.False(t, granted)

	authID := store.AddAuth(userID, true)
	granted, err = svc.GrantDefaultPermissions(ctx, userID)
	require.NoError(t, err)
	assert.True(t, granted)

	names, err := store.PermissionNamesOnAuth(ctx, authID)
	require.NoError(t, err)
	assert.Equal(t, []string{"recheck", "view-self"}, names)

	require.Len(t, store.Events, 2)
	assert.Equal(t, EventPermissionGranted, store.Events[0].Type)
	assert.Equal(t, ReasonSignup, store.Events[0].Reason)

	// Re-running skips already-held permissions without new events.
	_, err = svc.GrantDefaultPermissions(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, store.Events, 2)
}

func TestGrantModPermissionsGrantsEverything(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, []string{"view-self"}, nil)
	ctx := context.Background()

	_, err := store.EnsurePermission(ctx, "view-self", "")
	require.NoError(t, err)
	_, err = store.EnsurePermission(ctx, "edit-loans", "")
	require.NoError(t, err)
	_, err = store.EnsurePermission(ctx, "view-admin", "")
	require.NoError(t, err)

	userID, err := store.FindOrCreateUser(ctx, "newmod")
	require.NoError(t, err)
	authID := store.AddAuth(userID, true)

	granted, err := svc.GrantModPermissions(ctx, userID)
	require.NoError(t, err)
	assert.True(t, granted)

	names, err := store.PermissionNamesOnAuth(ctx, authID)
	require.NoError(t, err)
	assert.Equal(t, []string{"edit-loans", "view-admin", "view-self"}, names)
	for _, ev := range store.Events {
		assert.Equal(t, ReasonBecameMod, ev.Reason)
	}
}

func TestRevokeModPermissionsKeepsDefaultsAndLogsOut(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, []string{"view-self"}, nil)
	ctx := context.Background()

	userID, err := store.FindOrCreateUser(ctx, "exmod")
	require.NoError(t, err)
	authID := store.AddAuth(userID, true)
	store.AddToken(userID)
	store.AddToken(userID)

	require.NoError(t, svc.GrantPermissions(ctx, authID, "setup",
		[]string{"view-self", "edit-loans", "view-admin"}))

	require.NoError(t, svc.RevokeModPermissions(ctx, userID))

	names, err := store.PermissionNamesOnAuth(ctx, authID)
	require.NoError(t, err)
	assert.Equal(t, []string{"view-self"}, names)
	assert.Equal(t, 0, store.TokenCount(userID))

	revoked := 0
	for _, ev := range store.Events {
		if ev.Type == EventPermissionRevoked {
			revoked++
			assert.Equal(t, ReasonNoLongerMod, ev.Reason)
		}
	}
	assert.Equal(t, 2, revoked)
}

func TestStoreLetterHistory(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	store.AddResponse("mod_onboarding_greeting_title", "Welcome!")
	store.AddResponse("mod_onboarding_greeting_body", "Hi {username}")

	userID, err := store.FindOrCreateUser(ctx, "newmod")
	require.NoError(t, err)

	require.NoError(t, svc.StoreLetterHistory(ctx, userID, "mod_onboarding_greeting"))
	require.Len(t, store.History, 1)
	assert.Equal(t, "mod_onboarding_greeting_title", store.History[0].TitleName)
	assert.Equal(t, "mod_onboarding_greeting_body", store.History[0].BodyName)
}

func TestOnboardingMessageProgression(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, found, err := store.MaxOnboardingOrder(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	store.AddOnboardingMessage(1, "letter1_title", "One", "letter1_body", "First letter")
	store.AddOnboardingMessage(2, "letter2_title", "Two", "letter2_body", "Second letter")

	maxOrder, found, err := store.MaxOnboardingOrder(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, maxOrder)

	msg, err := store.NextOnboardingMessage(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, msg.MsgOrder)
	assert.Equal(t, "First letter", msg.Body)

	msg, err = store.NextOnboardingMessage(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, msg)
}
