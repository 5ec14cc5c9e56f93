package id

import "github.com/google/uuid"

// New returns a random v4 UUID string used as a file name token.
func New() string {
	return uuid.NewString()
}
