package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator(t *testing.T) {
	t.Run("should generate unique challenges", func(t *testing.T) {
		auth := NewAuthenticator("secret")

		a, err := auth.Challenge()
		require.NoError(t, err)
		b, err := auth.Challenge()
		require.NoError(t, err)

		assert.Len(t, a, 64)
		assert.NotEqual(t, a, b)
	})

	t.Run("should accept a correctly signed challenge", func(t *testing.T) {
		auth := NewAuthenticator("secret")
		challenge, err := auth.Challenge()
		require.NoError(t, err)

		assert.True(t, auth.Verify(challenge, auth.Sign(challenge)))
	})

	t.Run("should reject a signature from the wrong secret", func(t *testing.T) {
		auth := NewAuthenticator("secret")
		other := NewAuthenticator("different")
		challenge, err := auth.Challenge()
		require.NoError(t, err)

		assert.False(t, auth.Verify(challenge, other.Sign(challenge)))
	})

	t.Run("should authenticate a client with a valid response", func(t *testing.T) {
		auth := NewAuthenticator("secret")
		client := &Client{Challenge: "abc"}

		result, drop := auth.handleAuth(client, auth.Sign("abc"))

		assert.True(t, result.Success)
		assert.False(t, drop)
		assert.True(t, client.Authenticated)
		assert.Empty(t, client.Challenge)
	})

	t.Run("should drop a client after repeated failures", func(t *testing.T) {
		auth := NewAuthenticator("secret")
		client := &Client{Challenge: "abc"}

		for i := 0; i < maxAuthAttempts-1; i++ {
			result, drop := auth.handleAuth(client, "wrong")
			assert.False(t, result.Success)
			assert.False(t, drop)
		}

		result, drop := auth.handleAuth(client, "wrong")
		assert.False(t, result.Success)
		assert.True(t, drop)
		assert.False(t, client.Authenticated)
	})

	t.Run("should drop a client answering without a challenge", func(t *testing.T) {
		auth := NewAuthenticator("secret")
		client := &Client{}

		_, drop := auth.handleAuth(client, "anything")
		assert.True(t, drop)
	})
}
