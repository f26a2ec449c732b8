package main

import (
	"os/user"
	"strconv"
	"sync"
)

// osUserResolver resolves uids via the standard library's os/user package,
// which is itself backed by nss/getpwuid on Linux; looked-up names are
// cached since a busy host can re-resolve the same uid many times a second.
type osUserResolver struct {
	mu    sync.Mutex
	cache map[int64]cachedName
}

type cachedName struct {
	name string
	ok   bool
}

func newOSUserResolver() *osUserResolver {
	return &osUserResolver{cache: make(map[int64]cachedName)}
}

func (r *osUserResolver) ResolveUser(uid int64) (string, bool) {
	r.mu.Lock()
	if c, ok := r.cache[uid]; ok {
		r.mu.Unlock()
		return c.name, c.ok
	}
	r.mu.Unlock()

	u, err := user.LookupId(strconv.FormatInt(uid, 10))
	name, ok := "", false
	if err == nil {
		name, ok = u.Username, true
	}

	r.mu.Lock()
	r.cache[uid] = cachedName{name: name, ok: ok}
	r.mu.Unlock()
	return name, ok
}

// osGroupResolver is ResolveUser's gid counterpart over os/user.LookupGroupId.
type osGroupResolver struct {
	mu    sync.Mutex
	cache map[int64]cachedName
}

func newOSGroupResolver() *osGroupResolver {
	return &osGroupResolver{cache: make(map[int64]cachedName)}
}

func (r *osGroupResolver) ResolveGroup(gid int64) (string, bool) {
	r.mu.Lock()
	if c, ok := r.cache[gid]; ok {
		r.mu.Unlock()
		return c.name, c.ok
	}
	r.mu.Unlock()

	g, err := user.LookupGroupId(strconv.FormatInt(gid, 10))
	name, ok := "", false
	if err == nil {
		name, ok = g.Name, true
	}

	r.mu.Lock()
	r.cache[gid] = cachedName{name: name, ok: ok}
	r.mu.Unlock()
	return name, ok
}
