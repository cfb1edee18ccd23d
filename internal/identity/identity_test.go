package identity

import (
	"context"
	"errors"
	"testing"

	"duet/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()
	a, err := New("  frontend1 ")
	require.NoError(t, err)
	assert.Equal(t, "frontend1", a.ID)
	assert.False(t, a.IsSystem())

	for _, bad := range []string{"", "   ", SystemID} {
		_, err := New(bad)
		assert.True(t, errors.Is(err, models.ErrInvalidInput), "id %q", bad)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	a, err := New("frontend2")
	require.NoError(t, err)
	got, ok := FromContext(WithActor(context.Background(), a))
	require.True(t, ok)
	assert.Equal(t, a, got)

	sys, ok := FromContext(WithActor(context.Background(), System))
	require.True(t, ok)
	assert.True(t, sys.IsSystem())
}
