// Package crypto holds the operator key that signs execution-ledger
// transactions, given raw or as a password-sealed key file.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyFileVersion = 1
	kdfRounds      = 480_000
	saltSize       = 16
)

// keyFile is the on-disk envelope. The address is stored in the clear so an
// operator can tell key files apart without the password. []byte fields
// marshal as base64.
type keyFile struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	Salt       []byte         `json:"salt"`
	Nonce      []byte         `json:"nonce"`
	Ciphertext []byte         `json:"ciphertext"`
}

// KeySource says where the operator key comes from. A raw key wins over a
// key file.
type KeySource struct {
	Raw      string
	File     string
	Password string
}

// Load returns the operator key as hex without the 0x prefix.
func (s KeySource) Load() (string, error) {
	switch {
	case s.Raw != "":
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(s.Raw, "0x"))
		if err != nil {
			return "", fmt.Errorf("crypto: raw operator key: %w", err)
		}
		return hex.EncodeToString(ethcrypto.FromECDSA(key)), nil
	case s.File != "":
		data, err := os.ReadFile(s.File)
		if err != nil {
			return "", fmt.Errorf("crypto: read key file: %w", err)
		}
		return OpenKeyFile(data, s.Password)
	default:
		return "", errors.New("crypto: no operator key configured")
	}
}

// SealKey encrypts an operator key under password (PBKDF2-SHA256, then
// AES-256-GCM) and returns the key file contents.
func SealKey(keyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: empty key password")
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: operator key: %w", err)
	}

	kf := keyFile{
		Version: keyFileVersion,
		Address: ethcrypto.PubkeyToAddress(key.PublicKey),
		Salt:    make([]byte, saltSize),
	}
	if _, err := rand.Read(kf.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := sealer(password, kf.Salt)
	if err != nil {
		return nil, err
	}
	kf.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(kf.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	// The address is bound as associated data.
	kf.Ciphertext = aead.Seal(nil, kf.Nonce, ethcrypto.FromECDSA(key), kf.Address.Bytes())
	return json.MarshalIndent(kf, "", "  ")
}

// OpenKeyFile decrypts key file contents and checks the key against the
// recorded address.
func OpenKeyFile(data []byte, password string) (string, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: key file version %d not supported", kf.Version)
	}
	aead, err := sealer(password, kf.Salt)
	if err != nil {
		return "", err
	}
	if len(kf.Nonce) != aead.NonceSize() {
		return "", errors.New("crypto: key file nonce is malformed")
	}
	plain, err := aead.Open(nil, kf.Nonce, kf.Ciphertext, kf.Address.Bytes())
	if err != nil {
		return "", errors.New("crypto: key file did not decrypt, check the password")
	}
	key, err := ethcrypto.ToECDSA(plain)
	if err != nil {
		return "", fmt.Errorf("crypto: key file holds an invalid key: %w", err)
	}
	if ethcrypto.PubkeyToAddress(key.PublicKey) != kf.Address {
		return "", fmt.Errorf("crypto: key file address %s does not match its key", kf.Address)
	}
	return hex.EncodeToString(plain), nil
}

// WriteKeyFile seals keyHex and writes it readable by the owner only.
func WriteKeyFile(path, keyHex, password string) error {
	data, err := SealKey(keyHex, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("crypto: write key file: %w", err)
	}
	return nil
}

func sealer(password string, salt []byte) (cipher.AEAD, error) {
	if password == "" {
		return nil, errors.New("crypto: empty key password")
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, kdfRounds, 32, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
