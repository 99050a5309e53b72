// Package keystore holds agent API credentials encrypted at rest. The file
// format is a JSON envelope of PBKDF2 salt, GCM nonce and ciphertext; the
// plaintext is a JSON map of agent id to credential entry.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 600000
	keyBytes         = 32 // AES-256
	saltBytes        = 16
	nonceBytes       = 12 // GCM standard nonce
)

// Entry is one agent's credential and endpoint settings.
type Entry struct {
	APIKey   string `json:"api_key"`
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url,omitempty"`
	Tier     string `json:"tier,omitempty"`
}

// EndpointConfig is what the agent API client needs to issue a call.
type EndpointConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Tier     string
}

// KeyStore resolves credentials for agents.
type KeyStore interface {
	Get(agentID string) (string, error)
	EndpointConfig(agentID, model string) (*EndpointConfig, error)
	Set(agentID string, entry Entry) error
	Close() error
}

type envelope struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// FileStore is a file-backed encrypted key store.
type FileStore struct {
	path   string
	secret []byte
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

// Open loads (or initializes) the encrypted store at path. The master secret
// comes from the argument, falling back to CONDUCTOR_MASTER_KEY.
func Open(path, masterSecret string, logger *zap.Logger) (*FileStore, error) {
	if masterSecret == "" {
		masterSecret = os.Getenv("CONDUCTOR_MASTER_KEY")
	}
	if masterSecret == "" {
		return nil, fmt.Errorf("keystore: no master secret configured")
	}

	s := &FileStore{
		path:    path,
		secret:  []byte(masterSecret),
		logger:  logger,
		entries: make(map[string]Entry),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil // fresh store
	}
	if err != nil {
		return fmt.Errorf("keystore: read %s: %w", s.path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("keystore: parse envelope: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return fmt.Errorf("keystore: decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return fmt.Errorf("keystore: decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return fmt.Errorf("keystore: decode ciphertext: %w", err)
	}

	gcm, err := s.cipherFor(salt)
	if err != nil {
		return err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("keystore: decrypt (wrong master secret?): %w", err)
	}
	if err := json.Unmarshal(plaintext, &s.entries); err != nil {
		return fmt.Errorf("keystore: decode entries: %w", err)
	}
	s.logger.Info("Key store loaded",
		zap.String("path", s.path), zap.Int("entries", len(s.entries)))
	return nil
}

func (s *FileStore) cipherFor(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.secret, salt, pbkdf2Iterations, keyBytes, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: gcm init: %w", err)
	}
	return gcm, nil
}

func (s *FileStore) persist() error {
	plaintext, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("keystore: encode entries: %w", err)
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("keystore: salt: %w", err)
	}
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("keystore: nonce: %w", err)
	}

	gcm, err := s.cipherFor(salt)
	if err != nil {
		return err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	env := envelope{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("keystore: encode envelope: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("keystore: write %s: %w", s.path, err)
	}
	return nil
}

// ValidateKeyShape rejects keys that cannot belong to the provider. This
// catches config mixups before any call is made; it is not a liveness check.
func ValidateKeyShape(provider, key string) error {
	if key == "" {
		return fmt.Errorf("empty api key")
	}
	switch strings.ToLower(provider) {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("anthropic keys start with sk-ant-")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") || strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("openai keys start with sk-")
		}
	case "google":
		if len(key) < 20 {
			return fmt.Errorf("google keys are at least 20 characters")
		}
	}
	return nil
}

// Set validates and stores a credential, rewriting the encrypted file.
func (s *FileStore) Set(agentID string, entry Entry) error {
	if err := ValidateKeyShape(entry.Provider, entry.APIKey); err != nil {
		return fmt.Errorf("keystore: key for agent %s: %w", agentID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[agentID] = entry
	return s.persist()
}

// Get returns the raw API key for the agent.
func (s *FileStore) Get(agentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[agentID]
	if !ok {
		return "", fmt.Errorf("keystore: no credential for agent %s", agentID)
	}
	return entry.APIKey, nil
}

// EndpointConfig assembles everything needed to call the agent's provider.
func (s *FileStore) EndpointConfig(agentID, model string) (*EndpointConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[agentID]
	if !ok {
		return nil, fmt.Errorf("keystore: no credential for agent %s", agentID)
	}
	return &EndpointConfig{
		Provider: entry.Provider,
		BaseURL:  entry.BaseURL,
		APIKey:   entry.APIKey,
		Model:    model,
		Tier:     entry.Tier,
	}, nil
}

func (s *FileStore) Close() error { return nil }

// StaticStore serves a fixed entry map without persistence. Used in tests and
// single-run setups where keys arrive via environment.
type StaticStore struct {
	Entries map[string]Entry
}

func (s *StaticStore) Get(agentID string) (string, error) {
	entry, ok := s.Entries[agentID]
	if !ok {
		return "", fmt.Errorf("keystore: no credential for agent %s", agentID)
	}
	return entry.APIKey, nil
}

func (s *StaticStore) EndpointConfig(agentID, model string) (*EndpointConfig, error) {
	entry, ok := s.Entries[agentID]
	if !ok {
		return nil, fmt.Errorf("keystore: no credential for agent %s", agentID)
	}
	return &EndpointConfig{
		Provider: entry.Provider,
		BaseURL:  entry.BaseURL,
		APIKey:   entry.APIKey,
		Model:    model,
		Tier:     entry.Tier,
	}, nil
}

func (s *StaticStore) Set(agentID string, entry Entry) error {
	if s.Entries == nil {
		s.Entries = make(map[string]Entry)
	}
	s.Entries[agentID] = entry
	return nil
}

func (s *StaticStore) Close() error { return nil }
