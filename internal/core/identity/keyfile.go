package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ============================================================================
//                              密钥文件格式
// ============================================================================
//
//	magic(9) | version(1) | encrypted(1) | body
//
// 明文 body 为 32 字节种子；加密 body 为 salt(16) | nonce(24) | ciphertext，
// 密钥由 argon2id(passphrase, salt) 派生，使用 XChaCha20-Poly1305 加密种子。

const (
	keyFileMagic   = "DSYNC-KEY"
	keyFileVersion = 1

	saltSize = 16

	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = chacha20poly1305.KeySize
)

// SaveKeyFile 保存身份到密钥文件
//
// passphrase 为空时以明文保存。文件以 0600 权限原子写入。
func SaveKeyFile(id *Identity, path string, passphrase []byte) error {
	seed := id.privateKey.Seed()

	var buf bytes.Buffer
	buf.WriteString(keyFileMagic)
	buf.WriteByte(keyFileVersion)

	if len(passphrase) > 0 {
		buf.WriteByte(1)
		sealed, err := encryptSeed(seed, passphrase)
		if err != nil {
			return err
		}
		buf.Write(sealed)
	} else {
		buf.WriteByte(0)
		buf.Write(seed)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	return atomicWriteFile(path, buf.Bytes(), 0o600)
}

// LoadKeyFile 从密钥文件加载身份
func LoadKeyFile(path string, passphrase []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyFileNotFound
	}
	if err != nil {
		return nil, err
	}

	header := len(keyFileMagic) + 2
	if len(data) < header || string(data[:len(keyFileMagic)]) != keyFileMagic {
		return nil, ErrInvalidKeyFile
	}
	if v := data[len(keyFileMagic)]; v != keyFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidKeyFile, v)
	}
	encrypted := data[len(keyFileMagic)+1] == 1
	body := data[header:]

	if encrypted {
		if len(passphrase) == 0 {
			return nil, ErrInvalidPassphrase
		}
		body, err = decryptSeed(body, passphrase)
		if err != nil {
			return nil, err
		}
	}

	if len(body) != ed25519.SeedSize {
		return nil, ErrInvalidKeyFile
	}
	return FromSeed(body)
}

// LoadOrGenerate 加载密钥文件，不存在时生成并保存
func LoadOrGenerate(path string, passphrase []byte) (*Identity, bool, error) {
	id, err := LoadKeyFile(path, passphrase)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrKeyFileNotFound) {
		return nil, false, err
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeyFile(id, path, passphrase); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// ============================================================================
//                              加解密
// ============================================================================

func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

func encryptSeed(seed, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(seed)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, seed, []byte(keyFileMagic)), nil
}

func decryptSeed(body, passphrase []byte) ([]byte, error) {
	if len(body) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, ErrInvalidKeyFile
	}
	salt := body[:saltSize]
	nonce := body[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := body[saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	seed, err := aead.Open(nil, nonce, ciphertext, []byte(keyFileMagic))
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return seed, nil
}

// ============================================================================
//                              原子写操作
// ============================================================================

// atomicWriteFile 原子写文件
//
// 写入同目录临时文件、同步后 rename 到目标路径；任何步骤失败目标文件保持不变。
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}
