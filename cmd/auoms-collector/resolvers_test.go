package main

import (
	"os/user"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOSUserResolverResolvesCurrentUser(t *testing.T) {
	me, err := user.Current()
	if err != nil {
		t.Skipf("no current user available: %v", err)
	}
	uid, err := strconv.ParseInt(me.Uid, 10, 64)
	require.NoError(t, err)

	r := newOSUserResolver()
	name, ok := r.ResolveUser(uid)
	require.True(t, ok)
	require.Equal(t, me.Username, name)

	// second call hits the cache
	name2, ok2 := r.ResolveUser(uid)
	require.True(t, ok2)
	require.Equal(t, name, name2)
}

func TestOSUserResolverUnknownUID(t *testing.T) {
	r := newOSUserResolver()
	_, ok := r.ResolveUser(-1)
	require.False(t, ok)
}

func TestOSGroupResolverUnknownGID(t *testing.T) {
	r := newOSGroupResolver()
	_, ok := r.ResolveGroup(-1)
	require.False(t, ok)
}
