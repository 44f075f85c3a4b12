package settings

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// KeyEnvVar is the env-var slot holding the process-wide symmetric key
// used to encrypt secrets at rest (base64, 32 bytes).
const KeyEnvVar = "ELYSIA_ENCRYPTION_KEY"

// Cipher encrypts and decrypts secret settings fields with AES-256-GCM.
// One Cipher is shared process-wide; construct it once at boot.
type Cipher struct {
	key []byte
}

// NewCipher loads the key from the env slot, or generates one and
// persists it to envFile on first use. A failure here is fatal at
// startup: without the key no stored secret can ever be read back.
func NewCipher(envFile string) (*Cipher, error) {
	key, err := loadOrCreateKey(envFile)
	if err != nil {
		return nil, fmt.Errorf("encryption key bootstrap: %w", err)
	}
	return &Cipher{key: key}, nil
}

// NewCipherWithKey builds a Cipher from raw key bytes. Used by tests
// to avoid touching the process env.
func NewCipherWithKey(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &Cipher{key: key}, nil
}

func loadOrCreateKey(envFile string) ([]byte, error) {
	if encoded := os.Getenv(KeyEnvVar); encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err == nil && len(key) == 32 {
			return key, nil
		}
		return nil, fmt.Errorf("invalid key in %s", KeyEnvVar)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)

	if envFile != "" {
		env, _ := godotenv.Read(envFile)
		if env == nil {
			env = map[string]string{}
		}
		env[KeyEnvVar] = encoded
		if err := godotenv.Write(env, envFile); err != nil {
			return nil, fmt.Errorf("persist key to %s: %w", envFile, err)
		}
		slog.Info("generated new encryption key", "env_file", envFile)
	}
	os.Setenv(KeyEnvVar, encoded)
	return key, nil
}

// EncryptString encrypts a secret and returns nonce-prefixed
// ciphertext as base64.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func (c *Cipher) DecryptString(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
