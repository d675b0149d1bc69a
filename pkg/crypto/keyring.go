package crypto

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// KeyRing holds the local signing keys of one or more agents.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[Address]Signer
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		signers: make(map[Address]Signer),
	}
}

// AddKey adds a signer under its own address.
func (k *KeyRing) AddKey(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.Address()] = s
}

// RevokeKey removes a key from the keyring.
func (k *KeyRing) RevokeKey(addr Address) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, addr)
}

// Signer returns the key for addr.
func (k *KeyRing) Signer(addr Address) (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[addr]
	if !ok {
		return nil, fmt.Errorf("unknown key: %s", addr)
	}
	return s, nil
}

// SignDigest signs with the key belonging to addr.
func (k *KeyRing) SignDigest(addr Address, digest Hash) ([]byte, error) {
	s, err := k.Signer(addr)
	if err != nil {
		return nil, err
	}
	return s.SignDigest(digest)
}

// Addresses lists the held keys in hex order.
func (k *KeyRing) Addresses() []Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]Address, 0, len(k.signers))
	for a := range k.signers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// ReadKeyRing parses one hex private key per line. Blank lines and '#' comments are skipped.
func ReadKeyRing(r io.Reader) (*KeyRing, error) {
	ring := NewKeyRing()
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		s, err := NewSecp256k1SignerFromHex(text)
		if err != nil {
			return nil, fmt.Errorf("keyring line %d: %w", line, err)
		}
		ring.AddKey(s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}

// WriteKey appends a key line in the format ReadKeyRing accepts.
func WriteKey(w io.Writer, s *Secp256k1Signer) error {
	_, err := fmt.Fprintf(w, "# %s\n%s\n", s.Address(), s.PrivateKeyHex())
	return err
}
