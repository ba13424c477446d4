package coordinator

import (
	"sync"
	"sync/atomic"

	"github.com/twmb/murmur3"
)

const identityShards = 32

// identitySet is an add-only set of identity strings.  Identities are
// spread over mutex-guarded shards by murmur3 hash so concurrent logins
// rarely contend; size is bumped only by the add that inserted.
type identitySet struct {
	shards [identityShards]identityShard
	size   atomic.Int64
}

type identityShard struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// add inserts id and reports whether it was new.
func (s *identitySet) add(id string) bool {
	sh := &s.shards[murmur3.Sum32([]byte(id))%identityShards]

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[id]; ok {
		return false
	}
	if sh.m == nil {
		sh.m = make(map[string]struct{})
	}
	sh.m[id] = struct{}{}
	s.size.Add(1)
	return true
}

func (s *identitySet) contains(id string) bool {
	sh := &s.shards[murmur3.Sum32([]byte(id))%identityShards]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.m[id]
	return ok
}

func (s *identitySet) len() int { return int(s.size.Load()) }
