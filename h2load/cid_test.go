package h2load

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateConnectionIDIsEightRandomBytes(t *testing.T) {
	gen := NewConnectionIDGenerator()
	assert.Equal(t, CIDLen, gen.ConnectionIDLen())

	a, err := gen.GenerateConnectionID()
	require.NoError(t, err)
	b, err := gen.GenerateConnectionID()
	require.NoError(t, err)

	assert.Equal(t, CIDLen, a.Len())
	assert.NotEqual(t, a.Bytes(), b.Bytes(), "two generated CIDs must not collide in practice")
}

func TestNewStatelessResetTokenIsSixteenBytes(t *testing.T) {
	tok, err := NewStatelessResetToken()
	require.NoError(t, err)
	assert.Len(t, tok, StatelessResetTokenLen)
}
