package bus

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealVersion = 0x01
	kidLen      = 4
	hkdfInfo    = "tradepulse rt bus envelope v1"
)

var (
	ErrUnknownKey   = errors.New("bus: envelope sealed with unknown key")
	ErrBadEnvelope  = errors.New("bus: malformed sealed envelope")
	ErrNoBusSecrets = errors.New("bus: keyring needs at least one secret")
)

type sealKey struct {
	kid  [kidLen]byte
	aead cipher.AEAD
}

// Keyring 第一把 key 加密，所有 key 都能解密（轮换期间新旧并存）
type Keyring struct {
	keys []sealKey
}

func NewKeyring(secrets []string) (*Keyring, error) {
	if len(secrets) == 0 {
		return nil, ErrNoBusSecrets
	}
	kr := &Keyring{}
	for i, s := range secrets {
		if s == "" {
			return nil, fmt.Errorf("bus: secret #%d is empty", i)
		}
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(s), nil, []byte(hkdfInfo)), key); err != nil {
			return nil, err
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(key)
		var k sealKey
		copy(k.kid[:], sum[:kidLen])
		k.aead = aead
		kr.keys = append(kr.keys, k)
	}
	return kr, nil
}

// Seal 格式：version(1) | kid(4) | nonce(24) | ciphertext
func (kr *Keyring) Seal(plain []byte) ([]byte, error) {
	k := kr.keys[0]
	hdr := make([]byte, 1+kidLen)
	hdr[0] = sealVersion
	copy(hdr[1:], k.kid[:])
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	// header 作为 AAD，防止篡改 kid
	ct := k.aead.Seal(nil, nonce, plain, hdr)
	out := make([]byte, 0, len(hdr)+len(nonce)+len(ct))
	out = append(out, hdr...)
	out = append(out, nonce...)
	return append(out, ct...), nil
}

func (kr *Keyring) Open(sealed []byte) ([]byte, error) {
	hdr := 1 + kidLen + chacha20poly1305.NonceSizeX
	if len(sealed) < hdr || sealed[0] != sealVersion {
		return nil, ErrBadEnvelope
	}
	kid := sealed[1 : 1+kidLen]
	for _, k := range kr.keys {
		if !bytes.Equal(k.kid[:], kid) {
			continue
		}
		return k.aead.Open(nil, sealed[1+kidLen:hdr], sealed[hdr:], sealed[:1+kidLen])
	}
	return nil, ErrUnknownKey
}
