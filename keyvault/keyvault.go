// Package keyvault is the client-resident cache of artifact content keys. Each record is an AES-GCM
// envelope wrapping {key, iv} under a key derived from the user's passphrase. The wrapping key is derived
// afresh on every call and never persisted. There is no passphrase recovery: losing the passphrase loses
// every record, which is acceptable since owners keep the raw key material printed at encryption time.
package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"wuyrush.io/pinvault/common/logging"
	"wuyrush.io/pinvault/crypt"
)

const (
	// the salt is fixed on purpose: the vault is a convenience cache, not a per-device secret store
	wrappingSalt       = "file-key-salt"
	wrappingIterations = 100000
	wrappingKeySize    = 32
	storageIVSize      = 12
)

// Envelope is the persisted form of one vault record
type Envelope struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

func (e Envelope) valid() bool {
	return e.IV != "" && e.Data != ""
}

// Backend persists envelopes keyed by artifact ID. Records are independent of each other.
type Backend interface {
	Get(artifactID string) (*Envelope, error)
	Put(artifactID string, e Envelope) error
	Delete(artifactID string) error
	All() (map[string]Envelope, error)
}

// Vault wraps and unwraps content keys on top of a Backend
type Vault struct {
	B    Backend
	rand io.Reader
}

func New(b Backend) *Vault {
	return &Vault{B: b, rand: rand.Reader}
}

// DeriveWrappingKey derives the vault wrapping key from passphrase. Same passphrase, same key.
func DeriveWrappingKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(wrappingSalt), wrappingIterations, wrappingKeySize, sha256.New)
}

func newAEAD(passphrase string) (cipher.AEAD, error) {
	wk := DeriveWrappingKey(passphrase)
	defer func() {
		for i := range wk {
			wk[i] = 0
		}
	}()
	block, err := aes.NewCipher(wk)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Store wraps ck under passphrase and persists it for artifactID, replacing any previous record
func (v *Vault) Store(artifactID string, ck *crypt.ContentKey, passphrase string) error {
	clog := logging.WithFuncName().WithField("artifactID", artifactID)
	if artifactID == "" {
		return fmt.Errorf("empty artifact id")
	}
	if err := ck.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(ck)
	if err != nil {
		return fmt.Errorf("error marshalling content key: %w", err)
	}
	aead, err := newAEAD(passphrase)
	if err != nil {
		return fmt.Errorf("error creating wrapping cipher: %w", err)
	}
	// the storage IV is independent of the content IV wrapped inside
	iv := make([]byte, storageIVSize)
	if _, err := io.ReadFull(v.rand, iv); err != nil {
		return fmt.Errorf("error generating storage iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, payload, nil)
	env := Envelope{
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(sealed),
	}
	if err := v.B.Put(artifactID, env); err != nil {
		clog.WithError(err).Error("error persisting vault record")
		return err
	}
	clog.Debug("content key stored in vault")
	return nil
}

// Load returns the content key stored for artifactID. It returns nil without error when no record exists
// or when the record does not unwrap under passphrase; only backend failures are errors.
func (v *Vault) Load(artifactID, passphrase string) (*crypt.ContentKey, error) {
	clog := logging.WithFuncName().WithField("artifactID", artifactID)
	env, err := v.B.Get(artifactID)
	if err != nil {
		clog.WithError(err).Error("error reading vault record")
		return nil, err
	}
	if env == nil {
		return nil, nil
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != storageIVSize {
		clog.Warn("vault record carries a malformed iv")
		return nil, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		clog.Warn("vault record carries malformed data")
		return nil, nil
	}
	aead, err := newAEAD(passphrase)
	if err != nil {
		return nil, fmt.Errorf("error creating wrapping cipher: %w", err)
	}
	payload, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		// wrong passphrase; expected and recoverable
		clog.Debug("vault record did not authenticate")
		return nil, nil
	}
	ck := &crypt.ContentKey{}
	if err := json.Unmarshal(payload, ck); err != nil || ck.Validate() != nil {
		clog.Warn("vault record unwrapped to an unusable payload")
		return nil, nil
	}
	return ck, nil
}

// Remove deletes the record of artifactID; removing an absent record is not an error
func (v *Vault) Remove(artifactID string) error {
	return v.B.Delete(artifactID)
}

// List returns the artifact IDs having a record
func (v *Vault) List() ([]string, error) {
	all, err := v.B.All()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	return ids, nil
}

// ExportAll returns every envelope, still wrapped, for backup
func (v *Vault) ExportAll() (map[string]Envelope, error) {
	return v.B.All()
}

// ImportAll writes envelopes, overwriting on id collision. Envelopes are not checked against any passphrase
// here; a bad one surfaces as a nil Load later. Malformed entries are skipped. It returns the number of
// imported records.
func (v *Vault) ImportAll(m map[string]Envelope) (int, error) {
	clog := logging.WithFuncName()
	n := 0
	for id, env := range m {
		if id == "" || !env.valid() {
			clog.WithField("artifactID", id).Warn("skipping malformed vault record")
			continue
		}
		if err := v.B.Put(id, env); err != nil {
			clog.WithError(err).WithField("artifactID", id).Error("error importing vault record")
			return n, err
		}
		n++
	}
	return n, nil
}
