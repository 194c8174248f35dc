package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// RFC 3526 group 14: 2048-bit MODP group, generator 2.
const modp2048Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

const (
	hkdfSalt = "pdsno-controller-key-derivation"
	hkdfInfo = "pdsno-shared-secret"

	// Ephemeral exponents are 256-bit; more than enough for a 32-byte
	// derived key against a 2048-bit group.
	exponentBytes = 32

	derivedKeySize = 32
)

var (
	dhPrime     *big.Int
	dhGenerator = big.NewInt(2)

	ErrInvalidPublicKey = errors.New("invalid DH public key")
)

func init() {
	p, ok := new(big.Int).SetString(modp2048Hex, 16)
	if !ok {
		panic("keys: bad MODP group constant")
	}
	dhPrime = p
}

// Exchange is one side of an ephemeral Diffie-Hellman key agreement. An
// Exchange is single-use: generate, publish the public key, derive once.
type Exchange struct {
	private *big.Int
	public  *big.Int
}

// NewExchange generates an ephemeral keypair.
func NewExchange() (*Exchange, error) {
	buf := make([]byte, exponentBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate DH exponent: %w", err)
	}
	private := new(big.Int).SetBytes(buf)
	// Keep the exponent in [2, p-2].
	private.Add(private, big.NewInt(2))
	public := new(big.Int).Exp(dhGenerator, private, dhPrime)
	return &Exchange{private: private, public: public}, nil
}

// PublicKeyHex returns the public value for transmission.
func (e *Exchange) PublicKeyHex() string {
	return hex.EncodeToString(e.public.Bytes())
}

// SharedSecret computes g^{ab} from the peer's public value and derives a
// 32-byte key with HKDF-SHA256.
func (e *Exchange) SharedSecret(peerPublicHex string) ([]byte, error) {
	raw, err := hex.DecodeString(peerPublicHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	peer := new(big.Int).SetBytes(raw)
	if peer.Sign() <= 0 || peer.Cmp(dhPrime) >= 0 {
		return nil, ErrInvalidPublicKey
	}
	shared := new(big.Int).Exp(peer, e.private, dhPrime)

	r := hkdf.New(sha256.New, shared.Bytes(), []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
