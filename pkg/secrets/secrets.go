// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package secrets provides envelope encryption for configuration secrets
// at rest. A single process-wide AES-256 master key is generated on first
// use and persisted next to the rest of the durable state.
package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrMalformedCiphertext is returned when a ciphertext does not have
	// the expected iv:payload shape.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")

	// ErrDecrypt is returned when a ciphertext cannot be decrypted with
	// the current master key.
	ErrDecrypt = errors.New("decryption failed")
)

const keySize = 32 // AES-256

// Store encrypts and decrypts short secret strings with the master key.
// Ciphertext format: hex(iv) + ":" + hex(AES-256-CBC payload). A fresh
// random IV per call makes encryption non-deterministic.
type Store struct {
	key []byte
}

// Open loads the master key from keyPath, generating and persisting a new
// one if the file does not exist yet.
func Open(keyPath string) (*Store, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("invalid master key file %s: %w", keyPath, err)
		}
		return NewWithKey(key)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist master key: %w", err)
	}
	return &Store{key: key}, nil
}

// NewWithKey creates a store from raw key bytes (for testing).
func NewWithKey(key []byte) (*Store, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes for AES-256, got %d", keySize, len(key))
	}
	return &Store{key: key}, nil
}

// Encrypt encrypts plaintext with a fresh random IV.
func (s *Store) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pad([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It returns ErrMalformedCiphertext when the
// input does not parse and ErrDecrypt when the key does not match.
func (s *Store) Decrypt(ciphertext string) (string, error) {
	ivHex, payloadHex, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", ErrMalformedCiphertext
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformedCiphertext
	}
	payload, err := hex.DecodeString(payloadHex)
	if err != nil || len(payload) == 0 || len(payload)%aes.BlockSize != 0 {
		return "", ErrMalformedCiphertext
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, len(payload))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, payload)

	plaintext, err := unpad(out)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// PKCS#7 padding

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
