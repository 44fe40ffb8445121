package evidence

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestFile is the name of the seal written at the root of a run directory.
const ManifestFile = "manifest.json"

// Signer seals run directories with an ed25519 key.
type Signer struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	KeyID      string
	keyDir     string
}

// Signature is the detached signature over a manifest.
type Signature struct {
	Alg      string `json:"alg"`
	PubKeyID string `json:"pubkey_id"`
	Sig      string `json:"sig"`
}

// Manifest lists the SHA-256 of every file in a run directory.
type Manifest struct {
	RunID     string            `json:"run_id"`
	Hashes    map[string]string `json:"hashes"`
	Signature *Signature        `json:"signature,omitempty"`
}

// NewSigner loads keyDir/<keyID>.key, generating it on first use.
func NewSigner(keyDir, keyID string) (*Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key ID is required")
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}

	keyPath := filepath.Join(keyDir, keyID+".key")
	var privateKey ed25519.PrivateKey

	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		privateKey = ed25519.PrivateKey(data)
		if len(privateKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid private key size in %s", keyPath)
		}
	case errors.Is(err, fs.ErrNotExist):
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		privateKey = priv
		if err := os.WriteFile(keyPath, []byte(privateKey), 0600); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return &Signer{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
		KeyID:      keyID,
		keyDir:     keyDir,
	}, nil
}

// Seal hashes every file under runDir and writes a signed manifest.json.
func (s *Signer) Seal(runDir, runID string) (*Manifest, error) {
	hashes, err := hashTree(runDir)
	if err != nil {
		return nil, err
	}
	m := &Manifest{RunID: runID, Hashes: hashes}

	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	m.Signature = &Signature{
		Alg:      "ed25519",
		PubKeyID: s.KeyID,
		Sig:      base64.StdEncoding.EncodeToString(ed25519.Sign(s.PrivateKey, payload)),
	}
	if err := writeJSON(filepath.Join(runDir, ManifestFile), m); err != nil {
		return nil, err
	}
	return m, nil
}

// Verify checks the manifest signature and that every listed file still hashes
// to its recorded value. Files added after sealing are reported too.
func Verify(runDir, keyDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Signature == nil {
		return nil, fmt.Errorf("signature required")
	}
	if m.Signature.Alg != "ed25519" {
		return nil, fmt.Errorf("unsupported signature algorithm %q", m.Signature.Alg)
	}

	unsigned := m
	unsigned.Signature = nil
	payload, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(m.Signature.Sig)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	pub, err := loadPublicKey(keyDir, m.Signature.PubKeyID)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return nil, fmt.Errorf("invalid manifest signature")
	}

	for rel, expected := range m.Hashes {
		path, err := safeJoin(runDir, rel)
		if err != nil {
			return nil, fmt.Errorf("invalid hash path %q: %w", rel, err)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("missing evidence file %s: %w", rel, err)
		}
		if Hash(content) != expected {
			return nil, fmt.Errorf("hash mismatch for %s", rel)
		}
	}

	current, err := hashTree(runDir)
	if err != nil {
		return nil, err
	}
	var extra []string
	for rel := range current {
		if _, ok := m.Hashes[rel]; !ok {
			extra = append(extra, rel)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return nil, fmt.Errorf("unsealed files: %s", strings.Join(extra, ", "))
	}
	return &m, nil
}

func hashTree(root string) (map[string]string, error) {
	hashes := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestFile {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hashes[rel] = Hash(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

func loadPublicKey(keyDir, keyID string) (ed25519.PublicKey, error) {
	if keyID == "" {
		return nil, fmt.Errorf("pubkey_id required")
	}
	data, err := os.ReadFile(filepath.Join(keyDir, keyID+".key"))
	if err != nil {
		return nil, err
	}
	priv := ed25519.PrivateKey(data)
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size")
	}
	return priv.Public().(ed25519.PublicKey), nil
}

func safeJoin(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path not allowed")
	}
	normalized := filepath.FromSlash(rel)
	for _, seg := range strings.Split(normalized, string(filepath.Separator)) {
		if seg == ".." {
			return "", fmt.Errorf("path traversal detected")
		}
	}
	clean := filepath.Clean(normalized)
	if clean == "." {
		return "", fmt.Errorf("invalid path")
	}
	return filepath.Join(root, clean), nil
}
