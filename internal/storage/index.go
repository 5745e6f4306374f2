package storage

import (
	"hash/fnv"
	"math"

	"botgate/internal/errs"
)

// candidateID is the first id tried for platformID. Interning is
// deterministic, so an id is usually the same on every restart even for
// the memory driver; collisions step to the next free slot.
func candidateID(scope, platformID string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scope))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(platformID))
	id := int32(h.Sum32() & math.MaxInt32)
	if id == 0 {
		id = 1
	}
	return id
}

func nextID(id int32) int32 {
	if id == math.MaxInt32 {
		return 1
	}
	return id + 1
}

type scopeIndex struct {
	byPlatform map[string]int32
	byID       map[int32]string
}

// idIndex is the in-memory form shared by the memory and file drivers.
// Callers hold their own lock.
type idIndex map[string]*scopeIndex

func (x idIndex) scope(s string) *scopeIndex {
	si, ok := x[s]
	if !ok {
		si = &scopeIndex{byPlatform: map[string]int32{}, byID: map[int32]string{}}
		x[s] = si
	}
	return si
}

// intern returns the id for platformID and whether it was newly allocated.
func (x idIndex) intern(scope, platformID string) (int32, bool) {
	si := x.scope(scope)
	if id, ok := si.byPlatform[platformID]; ok {
		return id, false
	}
	id := candidateID(scope, platformID)
	for {
		if _, taken := si.byID[id]; !taken {
			break
		}
		id = nextID(id)
	}
	si.byPlatform[platformID] = id
	si.byID[id] = platformID
	return id, true
}

// put restores a known mapping (journal replay).
func (x idIndex) put(scope, platformID string, id int32) {
	si := x.scope(scope)
	si.byPlatform[platformID] = id
	si.byID[id] = platformID
}

func (x idIndex) resolve(scope string, id int32) (string, bool) {
	si, ok := x[scope]
	if !ok {
		return "", false
	}
	p, ok := si.byID[id]
	return p, ok
}

func (x idIndex) lookup(scope string, id int32) (string, error) {
	if p, ok := x.resolve(scope, id); ok {
		return p, nil
	}
	return "", errs.NotFound("message %d in %s", id, scope)
}
