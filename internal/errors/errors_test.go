package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvalidTransitionMatchesSentinel(t *testing.T) {
	err := Wrap(NewInvalidTransition("paid", "cancel"), "cancel job")

	assert.True(t, Is(err, ErrInvalidTransition))
	assert.False(t, Is(err, ErrNotFound))

	var ite *InvalidTransitionError
	if assert.True(t, As(err, &ite)) {
		assert.Equal(t, "paid", ite.From)
		assert.Equal(t, "cancel", ite.Event)
	}
	assert.Contains(t, err.Error(), `"paid"`)
}

func TestIsProviderFailure(t *testing.T) {
	assert.True(t, IsProviderFailure(Wrap(ErrProviderUnavailable, "create draft")))
	assert.True(t, IsProviderFailure(Mark(New("deadline"), ErrProviderOutcomeUnknown)))
	assert.False(t, IsProviderFailure(ErrAlreadyFinalized))
}
