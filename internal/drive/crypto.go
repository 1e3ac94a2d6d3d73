package drive

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptionKeySize is the required size of drive encryption keys.
const EncryptionKeySize = chacha20poly1305.KeySize

var (
	discoveryNamespace  = []byte("hypercore")
	encryptionCheckWord = []byte("pear-encryption-check")
)

// DiscoveryKey derives the public swarm topic for a drive key. It reveals
// nothing about the key itself.
func DiscoveryKey(key []byte) []byte {
	h, err := blake2b.New256(key)
	if err != nil {
		// Only reachable with keys longer than 64 bytes.
		panic(fmt.Sprintf("discovery key: %v", err))
	}
	h.Write(discoveryNamespace)
	return h.Sum(nil)
}

// deriveKeyPair derives a deterministic ed25519 key pair for a namespace.
func deriveKeyPair(primary []byte, name string) (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := blake2b.Sum256(append(append([]byte{}, primary...), name...))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return priv.Public().(ed25519.PublicKey), priv
}

func encryptionCheck(encKey, dkey []byte) []byte {
	h, err := blake2b.New256(encKey)
	if err != nil {
		panic(fmt.Sprintf("encryption check: %v", err))
	}
	h.Write(encryptionCheckWord)
	h.Write(dkey)
	return h.Sum(nil)
}

func checkMatches(encKey, dkey, check []byte) bool {
	if len(encKey) != EncryptionKeySize {
		return false
	}
	return subtle.ConstantTimeCompare(encryptionCheck(encKey, dkey), check) == 1
}

func entryNonce(dkey []byte, fork, seq uint64) []byte {
	buf := make([]byte, 0, len(dkey)+16)
	buf = append(buf, dkey...)
	buf = binary.BigEndian.AppendUint64(buf, fork)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	sum := blake2b.Sum256(buf)
	return sum[:chacha20poly1305.NonceSizeX]
}

func seal(encKey, dkey []byte, fork, seq uint64, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return aead.Seal(nil, entryNonce(dkey, fork, seq), plain, nil), nil
}

func open(encKey, dkey []byte, fork, seq uint64, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, ErrDecode
	}
	plain, err := aead.Open(nil, entryNonce(dkey, fork, seq), sealed, nil)
	if err != nil {
		return nil, ErrDecode
	}
	return plain, nil
}
