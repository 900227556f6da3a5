package nips

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// NIP-44 version 2

const (
	nip44Version     = 2
	nip44Salt        = "nip44-v2"
	minPlaintextSize = 1
	maxPlaintextSize = 65535
)

var (
	ErrInvalidPayload = errors.New("nip44: invalid payload")
	ErrInvalidMAC     = errors.New("nip44: invalid MAC")
)

// ConversationKey derives the shared NIP-44 key between a private key and a
// peer's x-only public key (hex).
func ConversationKey(privKey []byte, peerPubKeyHex string) ([]byte, error) {
	pubBytes, err := hex.DecodeString(peerPubKeyHex)
	if err != nil {
		return nil, errors.New("nip44: invalid public key hex")
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return nil, errors.New("nip44: invalid public key")
	}
	if len(privKey) != 32 {
		return nil, errors.New("nip44: invalid private key")
	}
	priv, _ := btcec.PrivKeyFromBytes(privKey)

	shared := btcec.GenerateSharedSecret(priv, pub)
	return hkdf.Extract(sha256.New, shared, []byte(nip44Salt)), nil
}

// messageKeys derives the ChaCha20 key and nonce and the HMAC key.
func messageKeys(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 {
		return nil, nil, nil, errors.New("nip44: invalid conversation key length")
	}
	if len(nonce) != 32 {
		return nil, nil, nil, errors.New("nip44: invalid nonce length")
	}

	keys := make([]byte, 76)
	if _, err := hkdf.Expand(sha256.New, conversationKey, nonce).Read(keys); err != nil {
		return nil, nil, nil, err
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

// paddedLen rounds a plaintext length up to the NIP-44 bucket size.
func paddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < minPlaintextSize || n > maxPlaintextSize {
		return nil, errors.New("nip44: invalid plaintext length")
	}
	out := make([]byte, 2+paddedLen(n))
	binary.BigEndian.PutUint16(out[0:2], uint16(n))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrInvalidPayload
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if n == 0 || n > len(padded)-2 || len(padded) != 2+paddedLen(n) {
		return nil, ErrInvalidPayload
	}
	return padded[2 : 2+n], nil
}

func macWithAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

// Encrypt encrypts plaintext with a random nonce and returns the base64 payload.
func Encrypt(plaintext string, conversationKey []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return EncryptWithNonce(plaintext, conversationKey, nonce)
}

// EncryptWithNonce encrypts with a caller supplied nonce.
func EncryptWithNonce(plaintext string, conversationKey, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	// version || nonce || ciphertext || mac
	out := make([]byte, 0, 1+32+len(ciphertext)+32)
	out = append(out, nip44Version)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	out = append(out, macWithAAD(hmacKey, ciphertext, nonce)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt verifies and decrypts a base64 NIP-44 v2 payload.
func Decrypt(payload string, conversationKey []byte) (string, error) {
	if payload == "" || payload[0] == '#' {
		return "", errors.New("nip44: unsupported encryption version")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidPayload
	}
	if len(data) < 99 || len(data) > 65603 || data[0] != nip44Version {
		return "", ErrInvalidPayload
	}

	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(macWithAAD(hmacKey, ciphertext, nonce), mac) {
		return "", ErrInvalidMAC
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
