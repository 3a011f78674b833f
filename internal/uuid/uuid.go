// Package uuid produces random identifiers for issued certificates and
// ledger events.
package uuid

import guuid "github.com/google/uuid"

// New returns a random (version 4) UUID in canonical string form.
func New() string {
	return guuid.NewString()
}
