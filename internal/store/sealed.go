package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrSealBroken means a sealed entry could not be opened with the configured
// key.
var ErrSealBroken = errors.New("store: sealed entry cannot be opened")

// Sealed encrypts the values of matching keys with secretbox before they
// reach the inner store. Stored form is base64(nonce || box).
type Sealed struct {
	inner Store
	key   *[32]byte
	match func(key string) bool
}

func NewSealed(inner Store, key *[32]byte, match func(string) bool) *Sealed {
	return &Sealed{inner: inner, key: key, match: match}
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.inner.Get(ctx, key)
	if err != nil || !s.match(key) {
		return v, err
	}
	return s.open(v)
}

func (s *Sealed) Put(ctx context.Context, key string, value []byte) error {
	if !s.match(key) {
		return s.inner.Put(ctx, key, value)
	}
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, key, sealed)
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *Sealed) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.Keys(ctx, prefix)
}

func (s *Sealed) Close() error {
	return s.inner.Close()
}

func (s *Sealed) seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], plain, &nonce, s.key)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(box)))
	base64.StdEncoding.Encode(out, box)
	return out, nil
}

func (s *Sealed) open(stored []byte) ([]byte, error) {
	box := make([]byte, base64.StdEncoding.DecodedLen(len(stored)))
	n, err := base64.StdEncoding.Decode(box, stored)
	if err != nil || n < nonceSize+secretbox.Overhead {
		return nil, ErrSealBroken
	}
	box = box[:n]

	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, ErrSealBroken
	}
	return plain, nil
}
