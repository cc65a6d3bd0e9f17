package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const publicIDLabel = "nexlattice:public:v1"

// Identity is this node's identity: a locally generated secret seed and the
// public identifier derived from it. Immutable for the process lifetime.
type Identity struct {
	ID       string
	Name     string
	PublicID string

	seed []byte
}

func NewIdentity(id, name string) (*Identity, error) {
	seed := make([]byte, keySize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return &Identity{
		ID:       id,
		Name:     name,
		PublicID: derivePublicID(seed),
		seed:     seed,
	}, nil
}

func derivePublicID(seed []byte) string {
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(publicIDLabel))
	return hex.EncodeToString(h.Sum(nil))
}
