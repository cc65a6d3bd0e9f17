package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"sync"
	"time"
)

const (
	challengeSize  = 32
	challengeLabel = "nexlattice:challenge:v1"

	// DefaultChallengeTTL bounds the window between issuing a challenge and
	// accepting its response, blocking replay of old handshakes.
	DefaultChallengeTTL = 30 * time.Second
)

var (
	ErrChallengeUnknown  = errors.New("no outstanding challenge")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrChallengeMismatch = errors.New("bad challenge response")
)

type challenge struct {
	nonce  []byte
	issued time.Time
}

// ChallengeStore issues per-peer nonces and verifies their responses.
// A stored challenge is consumed on verification, success or not.
type ChallengeStore struct {
	mu      sync.Mutex
	pending map[string]challenge
	ttl     time.Duration
	engine  *Engine
	now     func() time.Time
}

func NewChallengeStore(engine *Engine, ttl time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeStore{
		pending: make(map[string]challenge),
		ttl:     ttl,
		engine:  engine,
		now:     time.Now,
	}
}

// Generate creates a fresh random nonce for peerID, replacing any pending one.
func (s *ChallengeStore) Generate(peerID string) ([]byte, error) {
	nonce := make([]byte, challengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sweepLocked()
	s.pending[peerID] = challenge{nonce: nonce, issued: s.now()}
	s.mu.Unlock()
	return nonce, nil
}

// Response computes the response mac proving knowledge of the shared secret.
func (s *ChallengeStore) Response(nonce []byte) []byte {
	mac := hmac.New(sha256.New, s.engine.netKey)
	mac.Write([]byte(challengeLabel))
	mac.Write(nonce)
	return mac.Sum(nil)
}

// VerifyResponse checks mac against the pending challenge for peerID,
// consuming it regardless of outcome.
func (s *ChallengeStore) VerifyResponse(peerID string, mac []byte) error {
	s.mu.Lock()
	ch, ok := s.pending[peerID]
	delete(s.pending, peerID)
	s.mu.Unlock()
	if !ok {
		return ErrChallengeUnknown
	}
	if s.now().Sub(ch.issued) > s.ttl {
		return ErrChallengeExpired
	}
	if !hmac.Equal(s.Response(ch.nonce), mac) {
		return ErrChallengeMismatch
	}
	return nil
}

func (s *ChallengeStore) sweepLocked() {
	now := s.now()
	for id, ch := range s.pending {
		if now.Sub(ch.issued) > s.ttl {
			delete(s.pending, id)
		}
	}
}
