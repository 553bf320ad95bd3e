package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	tok, err := Sign("s3cret", "alice", []string{PermStatusRead, PermTaskCancel}, time.Hour, time.Now())
	require.NoError(t, err)

	p, err := Verify("s3cret", tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ActorID)
	assert.True(t, p.Has(PermTaskCancel))
	assert.NoError(t, p.Require(PermStatusRead))

	err = p.Require(PermBlockerAccept)
	var fe ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PermBlockerAccept, fe.Permission)
}

func TestVerifyRejects(t *testing.T) {
	tok, err := Sign("s3cret", "alice", nil, time.Hour, time.Now())
	require.NoError(t, err)
	_, err = Verify("other", tok)
	assert.Error(t, err)

	expired, err := Sign("s3cret", "alice", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = Verify("s3cret", expired)
	assert.Error(t, err)

	_, err = Verify("", tok)
	assert.Error(t, err)
}

func TestSignValidatesInput(t *testing.T) {
	_, err := Sign("s3cret", "alice", []string{"task.delete"}, 0, time.Now())
	assert.Error(t, err)
	_, err = Sign("s3cret", "", nil, 0, time.Now())
	assert.Error(t, err)
	_, err = Sign("", "alice", nil, 0, time.Now())
	assert.Error(t, err)
}

func TestWildcard(t *testing.T) {
	p := Principal{ActorID: "root", Permissions: []string{PermAll}}
	for _, perm := range Permissions {
		assert.True(t, p.Has(perm), perm)
	}
}
