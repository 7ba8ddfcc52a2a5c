// SPDX-License-Identifier: ice License 1.0

package keystore

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/someonewithpc/gnusocial-sub003/database/store"
	"github.com/someonewithpc/gnusocial-sub003/model"
)

type (
	// Storage is the part of the persistent store the key store relies on.
	Storage interface {
		KeyPair(ctx context.Context, actorID int64) (*store.KeyPairPEM, error)
		InsertKeyPairIfAbsent(ctx context.Context, pair *store.KeyPairPEM) (*store.KeyPairPEM, error)
		RemoteProfileByActorID(ctx context.Context, actorID int64) (*model.RemoteActorProfile, error)
	}
	// Refresher re-fetches a remote actor document, bypassing any cache, and returns the updated profile.
	Refresher interface {
		Refresh(ctx context.Context, uri string) (*model.RemoteActorProfile, error)
	}
	KeyStore struct {
		storage   Storage
		refresher atomic.Pointer[Refresher]
		bits      int
	}
)

const (
	DefaultKeyBits = 2048

	pemTypePublicKey     = "PUBLIC KEY"
	pemTypeRSAPublicKey  = "RSA PUBLIC KEY"
	pemTypeRSAPrivateKey = "RSA PRIVATE KEY"
	pemTypePrivateKey    = "PRIVATE KEY"
)

var (
	ErrNoKey          = errors.New("no key for actor")
	ErrNotLocal       = errors.New("actor is not local")
	ErrNoRefresher    = errors.New("key refresh is not configured")
	ErrUnsupportedKey = errors.New("unsupported key")
)

func New(storage Storage) *KeyStore {
	return &KeyStore{storage: storage, bits: DefaultKeyBits}
}

// UseRefresher sets the source of fresh remote actor documents used by Refresh.
func (ks *KeyStore) UseRefresher(refresher Refresher) {
	ks.refresher.Store(&refresher)
}

// KeyPair returns the signing key of a local actor, generating and persisting it on first use.
func (ks *KeyStore) KeyPair(ctx context.Context, actor *model.Actor) (*rsa.PrivateKey, error) {
	if !actor.IsLocal {
		return nil, errors.Wrapf(ErrNotLocal, "actor %v", actor.URI)
	}
	pair, err := ks.storage.KeyPair(ctx, actor.ID)
	if errors.Is(err, store.ErrNotFound) {
		if pair, err = ks.generate(ctx, actor.ID); err != nil {
			return nil, errors.Wrapf(err, "failed to generate key pair for %v", actor.URI)
		}
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to load key pair for %v", actor.URI)
	}

	return ParsePrivateKeyPEM(pair.PrivateKeyPEM)
}

func (ks *KeyStore) generate(ctx context.Context, actorID int64) (*store.KeyPairPEM, error) {
	key, err := rsa.GenerateKey(rand.Reader, ks.bits)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate rsa key")
	}
	publicPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: pemTypeRSAPrivateKey, Bytes: x509.MarshalPKCS1PrivateKey(key)})

	// A concurrent caller may have won the insert; the stored pair is authoritative.
	return ks.storage.InsertKeyPairIfAbsent(ctx, &store.KeyPairPEM{
		ActorID:       actorID,
		PrivateKeyPEM: string(privatePEM),
		PublicKeyPEM:  publicPEM,
	})
}

// PublicKey returns the cached public key of a remote actor or the public half of a local actor's pair.
func (ks *KeyStore) PublicKey(ctx context.Context, actor *model.Actor) (crypto.PublicKey, error) {
	if actor.IsLocal {
		key, err := ks.KeyPair(ctx, actor)
		if err != nil {
			return nil, err
		}

		return key.Public(), nil
	}
	profile, err := ks.storage.RemoteProfileByActorID(ctx, actor.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrNoKey, "no profile for %v", actor.URI)
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to load profile of %v", actor.URI)
	}

	return ParsePublicKeyPEM(profile.PublicKeyPEM)
}

// PublicKeyPEM returns the PEM encoding published in a local actor's document.
func (ks *KeyStore) PublicKeyPEM(ctx context.Context, actor *model.Actor) (string, error) {
	key, err := ks.KeyPair(ctx, actor)
	if err != nil {
		return "", err
	}

	return EncodePublicKeyPEM(&key.PublicKey)
}

// Refresh re-fetches the remote actor's document, updating the cached key, and returns the new key.
func (ks *KeyStore) Refresh(ctx context.Context, actor *model.Actor) (crypto.PublicKey, error) {
	refresher := ks.refresher.Load()
	if refresher == nil {
		return nil, ErrNoRefresher
	}
	profile, err := (*refresher).Refresh(ctx, actor.URI)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to refresh key of %v", actor.URI)
	}

	return ParsePublicKeyPEM(profile.PublicKeyPEM)
}

// ParsePublicKeyPEM accepts PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") encodings.
func ParsePublicKeyPEM(data string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.Wrap(ErrNoKey, "no pem block")
	}
	switch block.Type {
	case pemTypePublicKey:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to parse pkix public key"), ErrUnsupportedKey)
		}

		return key, nil
	case pemTypeRSAPublicKey:
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to parse pkcs1 public key"), ErrUnsupportedKey)
		}

		return key, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedKey, "pem type %q", block.Type)
	}
}

func ParsePrivateKeyPEM(data string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.Wrap(ErrNoKey, "no pem block")
	}
	switch block.Type {
	case pemTypeRSAPrivateKey:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)

		return key, errors.Wrap(err, "failed to parse pkcs1 private key")
	case pemTypePrivateKey:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse pkcs8 private key")
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedKey, "%T", key)
		}

		return rsaKey, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedKey, "pem type %q", block.Type)
	}
}

func EncodePublicKeyPEM(key crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal public key")
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der})), nil
}
