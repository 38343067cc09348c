package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

const (
	// EncodingAESKeyLen is the length of the key string configured in the WeCom console.
	EncodingAESKeyLen = 43

	// blockAlign is the padding alignment used by the envelope (not the AES block size).
	blockAlign = 32
	randomLen  = 16
	lengthLen  = 4
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Crypto encrypts and decrypts callback payloads with the AES key derived from
// the application's EncodingAESKey.
type Crypto struct {
	key   []byte
	iv    []byte
	block cipher.Block
}

// NewCrypto derives the 32-byte key from a 43-character EncodingAESKey.
func NewCrypto(encodingAESKey string) (*Crypto, error) {
	if len(encodingAESKey) != EncodingAESKeyLen {
		return nil, fmt.Errorf("%w: encoding aes key must be %d characters, got %d",
			ErrConfiguration, EncodingAESKeyLen, len(encodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: decode encoding aes key: %v", ErrConfiguration, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: decoded aes key is %d bytes, want 32", ErrConfiguration, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	// The IV is the first 16 bytes of the key itself.
	return &Crypto{key: key, iv: key[:aes.BlockSize], block: block}, nil
}

// Encrypt frames plaintext as random(16) | len(4, big-endian) | plaintext | corpID,
// pads it to a multiple of 32 bytes and returns the base64 ciphertext.
func (c *Crypto) Encrypt(plaintext, corpID string) (string, error) {
	random, err := randomString(randomLen)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.Grow(randomLen + lengthLen + len(plaintext) + len(corpID) + blockAlign)
	buf.WriteString(random)
	var size [lengthLen]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(plaintext)))
	buf.Write(size[:])
	buf.WriteString(plaintext)
	buf.WriteString(corpID)

	framed := pad(buf.Bytes())
	out := make([]byte, len(framed))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, framed)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt and checks that the embedded corp id equals expectedCorpID.
func (c *Crypto) Decrypt(ciphertext, expectedCorpID string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrDecryption, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", ErrDecryption, len(raw))
	}

	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(plain, raw)

	plain, err = unpad(plain)
	if err != nil {
		return "", err
	}
	if len(plain) < randomLen+lengthLen {
		return "", fmt.Errorf("%w: frame too short (%d bytes)", ErrDecryption, len(plain))
	}

	body := plain[randomLen:]
	msgLen := binary.BigEndian.Uint32(body[:lengthLen])
	body = body[lengthLen:]
	if uint64(msgLen) > uint64(len(body)) {
		return "", fmt.Errorf("%w: length prefix %d exceeds frame size %d", ErrDecryption, msgLen, len(body))
	}

	msg, corpID := body[:msgLen], body[msgLen:]
	if string(corpID) != expectedCorpID {
		return "", fmt.Errorf("%w: got %q", ErrCorpIDMismatch, corpID)
	}
	if !utf8.Valid(msg) {
		return "", fmt.Errorf("%w: payload is not valid utf-8", ErrDecryption)
	}
	return string(msg), nil
}

// pad appends n bytes of value n so the length is a multiple of blockAlign (1 <= n <= 32).
func pad(b []byte) []byte {
	n := blockAlign - len(b)%blockAlign
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecryption)
	}
	n := int(b[len(b)-1])
	if n < 1 || n > blockAlign || n > len(b) {
		return nil, fmt.Errorf("%w: invalid padding %d", ErrDecryption, n)
	}
	return b[:len(b)-n], nil
}

// randomString returns n random letters and digits.
func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(buf), nil
}
