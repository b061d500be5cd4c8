package identity

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"ledgersync/internal/model"
)

type directoryFile struct {
	Wallets []walletEntry `yaml:"wallets"`
}

type walletEntry struct {
	Wallet   string `yaml:"wallet"`
	UserID   int64  `yaml:"user_id"`
	Username string `yaml:"username"`
}

// StaticDirectory is an in-memory wallet directory, typically loaded from YAML.
type StaticDirectory struct {
	byWallet map[string]model.UserRef
}

// NewStaticDirectory builds a directory from wallet → user pairs. Wallets and
// users must map one-to-one.
func NewStaticDirectory(entries map[string]model.UserRef) (*StaticDirectory, error) {
	d := &StaticDirectory{byWallet: make(map[string]model.UserRef, len(entries))}
	owners := make(map[int64]string, len(entries))
	for wallet, user := range entries {
		if !common.IsHexAddress(wallet) {
			return nil, fmt.Errorf("invalid wallet address %q", wallet)
		}
		key := NormalizeWallet(wallet)
		if _, ok := d.byWallet[key]; ok {
			return nil, fmt.Errorf("wallet %s listed twice", key)
		}
		if prev, ok := owners[user.ID]; ok {
			return nil, fmt.Errorf("user %d owns both %s and %s", user.ID, prev, key)
		}
		owners[user.ID] = key
		d.byWallet[key] = user
	}
	return d, nil
}

// LoadDirectoryFile reads a YAML document of the form
//
//	wallets:
//	  - wallet: "0x..."
//	    user_id: 1
//	    username: alice
func LoadDirectoryFile(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var doc directoryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse directory file: %w", err)
	}

	entries := make(map[string]model.UserRef, len(doc.Wallets))
	for i, w := range doc.Wallets {
		key := NormalizeWallet(w.Wallet)
		if _, ok := entries[key]; ok {
			return nil, fmt.Errorf("directory entry %d: wallet %s listed twice", i, key)
		}
		entries[key] = model.UserRef{ID: w.UserID, Username: w.Username}
	}
	return NewStaticDirectory(entries)
}

func (d *StaticDirectory) LookupWallet(_ context.Context, wallet string) (model.UserRef, bool, error) {
	user, ok := d.byWallet[NormalizeWallet(wallet)]
	return user, ok, nil
}

// Len reports the number of registered wallets.
func (d *StaticDirectory) Len() int {
	return len(d.byWallet)
}
