/* -*- coding: utf-8 -*-
* ------------------------------------------------------------------------------
*
*   Copyright 2018-2019 Fetch.AI Limited
*
*   Licensed under the Apache License, Version 2.0 (the "License");
*   you may not use this file except in compliance with the License.
*   You may obtain a copy of the License at
*
*       http://www.apache.org/licenses/LICENSE-2.0
*
*   Unless required by applicable law or agreed to in writing, software
*   distributed under the License is distributed on an "AS IS" BASIS,
*   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
*   See the License for the specific language governing permissions and
*   limitations under the License.
*
* ------------------------------------------------------------------------------
 */

// Package config persists the node's local state: nickname, identity key
// and log directory. The file is a plain key=value document so it stays
// editable by hand.
package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"unicode"
	"unicode/utf8"

	"github.com/joho/godotenv"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
)

const (
	keyNickname   = "nickname"
	keyPrivateKey = "private_key"
	keyLogDir     = "log_dir"

	fileMode = 0600

	maxNicknameRunes = 32
)

// ErrNicknameRequired indicates a fresh configuration was created and the
// front-end must prompt for a nickname before the node is usable.
var ErrNicknameRequired = errors.New("nickname not set")

// Config is the persisted node configuration. The identity key pair is
// generated at most once per configuration file; subsequent starts load it.
type Config struct {
	Nickname   string
	PrivateKey p2pcrypto.PrivKey
	LogDir     string

	path string
}

// DefaultPath returns the platform-appropriate configuration file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "while locating user config dir")
	}
	return filepath.Join(dir, "chatnode", "config.env"), nil
}

// Load reads the configuration at path. A missing file yields a fresh
// configuration with a newly generated identity, persisted immediately;
// ErrNicknameRequired is returned alongside it so the caller can prompt.
func Load(path string) (*Config, error) {
	values, err := godotenv.Read(path)
	if os.IsNotExist(errors.Cause(err)) {
		return generate(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "while loading configuration")
	}

	cfg := &Config{path: path}
	cfg.Nickname = values[keyNickname]
	cfg.LogDir = values[keyLogDir]
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(filepath.Dir(path), "logs")
	}

	seed64 := values[keyPrivateKey]
	if seed64 == "" {
		return nil, errors.New("configuration has no private_key")
	}
	seed, err := base64.StdEncoding.DecodeString(seed64)
	if err != nil {
		return nil, errors.Wrap(err, "while decoding private_key")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("private_key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	cfg.PrivateKey, err = p2pcrypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		return nil, errors.Wrap(err, "while reconstructing identity key")
	}

	if err := ValidateNickname(cfg.Nickname); err != nil {
		return cfg, ErrNicknameRequired
	}
	return cfg, nil
}

// Regenerate discards an unreadable configuration and persists a fresh one
// with a new identity. The caller reports the loss; only failure to generate
// is fatal.
func Regenerate(path string) (*Config, error) {
	return generate(path)
}

// generate creates a fresh identity and persists it at path.
func generate(path string) (*Config, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, errors.Wrap(err, "while generating identity seed")
	}
	priv, err := p2pcrypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		return nil, errors.Wrap(err, "while constructing identity key")
	}

	cfg := &Config{
		PrivateKey: priv,
		LogDir:     filepath.Join(filepath.Dir(path), "logs"),
		path:       path,
	}
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, ErrNicknameRequired
}

// Save writes the configuration atomically with owner-only permissions;
// the file holds the identity seed.
func (cfg *Config) Save() error {
	seed, err := seedFromKey(cfg.PrivateKey)
	if err != nil {
		return err
	}
	content, err := godotenv.Marshal(map[string]string{
		keyNickname:   cfg.Nickname,
		keyPrivateKey: base64.StdEncoding.EncodeToString(seed),
		keyLogDir:     cfg.LogDir,
	})
	if err != nil {
		return errors.Wrap(err, "while serializing configuration")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.path), 0700); err != nil {
		return errors.Wrap(err, "while creating config dir")
	}
	tmp := cfg.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content+"\n"), fileMode); err != nil {
		return errors.Wrap(err, "while writing configuration")
	}
	if err := os.Rename(tmp, cfg.path); err != nil {
		return errors.Wrap(err, "while writing configuration")
	}
	return nil
}

// PeerID derives the node's Peer ID from the identity key.
func (cfg *Config) PeerID() (peer.ID, error) {
	id, err := peer.IDFromPublicKey(cfg.PrivateKey.GetPublic())
	if err != nil {
		return "", errors.Wrap(err, "while deriving peer id")
	}
	return id, nil
}

// ValidateNickname enforces the nickname constraints: 1 to 32 printable
// characters.
func ValidateNickname(nick string) error {
	if nick == "" {
		return errors.New("nickname must not be empty")
	}
	if !utf8.ValidString(nick) {
		return errors.New("nickname must be valid UTF-8")
	}
	count := 0
	for _, r := range nick {
		if !unicode.IsPrint(r) {
			return errors.New("nickname must contain only printable characters")
		}
		count++
	}
	if count > maxNicknameRunes {
		return errors.Errorf("nickname must be at most %d characters", maxNicknameRunes)
	}
	return nil
}

func seedFromKey(priv p2pcrypto.PrivKey) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("configuration has no identity key")
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, errors.Wrap(err, "while serializing identity key")
	}
	// Raw Ed25519 private keys carry the seed in their first half.
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errors.Errorf("unexpected identity key size %d", len(raw))
	}
	return raw[:ed25519.SeedSize], nil
}
