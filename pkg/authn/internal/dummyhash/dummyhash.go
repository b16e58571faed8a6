// Package dummyhash provides bcrypt hashes that password handlers compare
// against when a user does not exist, so unknown and known users take the
// same time to reject.
package dummyhash

import (
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const password = "warden-dummy-password"

var (
	mu     sync.Mutex
	hashes = make(map[int][]byte)
)

// For returns a hash of a fixed password at the given cost. Costs outside
// bcrypt's range use bcrypt.DefaultCost.
func For(cost int) []byte {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	mu.Lock()
	defer mu.Unlock()
	if h, ok := hashes[cost]; ok {
		return h
	}
	h, _ := bcrypt.GenerateFromPassword([]byte(password), cost)
	hashes[cost] = h
	return h
}

// Compare spends the time of one bcrypt comparison at cost. The result is
// always a mismatch and is discarded.
func Compare(cost int, pw string) {
	_ = bcrypt.CompareHashAndPassword(For(cost), []byte(pw))
}

// Cost reports the cost of a bcrypt hash, or 0 if hash is not one.
func Cost(hash []byte) int {
	c, err := bcrypt.Cost(hash)
	if err != nil {
		return 0
	}
	return c
}
