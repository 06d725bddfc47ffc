package service

import (
	"context"
	"testing"
	"time"

	"github.com/rubberduck/rubberduck/pkg/event"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestAuthSignUpSignInSignOut(t *testing.T) {
	ctx := context.Background()
	emitter := event.NewEmitter()
	auth := newTestAuth(openTestDB(t), emitter)

	var changes []event.AuthChangedEvent
	emitter.On(event.AuthChanged, func(ev event.Event) {
		changes = append(changes, ev.(event.AuthChangedEvent))
	})

	sess, err := auth.SignUp(ctx, models.Credentials{Email: " Duck@Example.com ", Password: "hunter22!", FirstName: "Rubber"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)
	require.Equal(t, "duck@example.com", sess.User.Email)
	require.NotEmpty(t, sess.User.PasswordHash)

	_, err = auth.SignUp(ctx, models.Credentials{Email: "duck@example.com", Password: "another-pass"})
	require.ErrorIs(t, err, ErrEmailTaken)

	_, err = auth.SignIn(ctx, "duck@example.com", "wrong-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = auth.SignIn(ctx, "nobody@example.com", "hunter22!")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	second, err := auth.SignIn(ctx, "DUCK@example.com", "hunter22!")
	require.NoError(t, err)
	require.NotEqual(t, sess.Token, second.Token)

	current, err := auth.CurrentSession(ctx, second.Token)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, sess.User.ID, current.User.ID)

	require.NoError(t, auth.SignOut(ctx, second.Token))
	current, err = auth.CurrentSession(ctx, second.Token)
	require.NoError(t, err)
	require.Nil(t, current)
	require.NoError(t, auth.SignOut(ctx, "unknown"))

	require.Len(t, changes, 3)
	require.True(t, changes[0].SignedIn)
	require.True(t, changes[1].SignedIn)
	require.False(t, changes[2].SignedIn)
}

func TestAuthValidation(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuth(openTestDB(t), event.NewEmitter())

	_, err := auth.SignUp(ctx, models.Credentials{Email: "not-an-email", Password: "long-enough"})
	require.ErrorIs(t, err, ErrInvalidEmail)
	_, err = auth.SignUp(ctx, models.Credentials{Email: "Duck <duck@example.com>", Password: "long-enough"})
	require.ErrorIs(t, err, ErrInvalidEmail)
	_, err = auth.SignUp(ctx, models.Credentials{Email: "duck@example.com", Password: "short"})
	require.ErrorIs(t, err, ErrWeakPassword)
}

func TestAuthExpiredSession(t *testing.T) {
	ctx := context.Background()
	auth := newTestAuth(openTestDB(t), event.NewEmitter())

	sess, err := auth.SignUp(ctx, models.Credentials{Email: "duck@example.com", Password: "hunter22!"})
	require.NoError(t, err)

	auth.now = func() time.Time { return time.Now().Add(sessionTTL + time.Hour) }
	current, err := auth.CurrentSession(ctx, sess.Token)
	require.NoError(t, err)
	require.Nil(t, current)

	current, err = auth.CurrentSession(ctx, "")
	require.NoError(t, err)
	require.Nil(t, current)
}
