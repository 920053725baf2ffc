package qmc

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"unlock-music.dev/mmkv"
)

// streamKeyVault holds the ekeys the desktop client caches per file.
var (
	streamKeyVault mmkv.Vault
	vaultMu        sync.RWMutex
)

var errNoVault = errors.New("qmc: mmkv vault not opened")

// OpenMMKV opens the key vault at mmkvPath. An empty key opens it without
// decryption.
func OpenMMKV(mmkvPath string, key string, logger *zap.Logger) error {
	dir, name := filepath.Split(mmkvPath)
	mgr, err := mmkv.NewManager(filepath.Clean(dir))
	if err != nil {
		return fmt.Errorf("qmc mmkv manager: %w", err)
	}

	var vault mmkv.Vault
	if key == "" {
		vault, err = mgr.OpenVault(name)
	} else {
		vault, err = mgr.OpenVaultCrypto(name, key)
	}
	if err != nil {
		return fmt.Errorf("qmc mmkv open vault: %w", err)
	}

	vaultMu.Lock()
	streamKeyVault = vault
	vaultMu.Unlock()

	logger.Debug("mmkv vault opened", zap.String("path", mmkvPath), zap.Int("keys", len(vault.Keys())))
	return nil
}

// CloseMMKV forgets the vault opened by OpenMMKV.
func CloseMMKV() {
	vaultMu.Lock()
	streamKeyVault = nil
	vaultMu.Unlock()
}

// readKeyFromMMKV finds the ekey stored for file. The vault is keyed by the
// full path the client saw, so entries are matched by base name.
func readKeyFromMMKV(file string, logger *zap.Logger) ([]byte, error) {
	vaultMu.RLock()
	vault := streamKeyVault
	vaultMu.RUnlock()
	if vault == nil {
		return nil, errNoVault
	}

	name := strings.ToLower(filepath.Base(file))
	candidates := lo.Filter(vault.Keys(), func(k string, _ int) bool {
		return strings.ToLower(filepath.Base(filepath.FromSlash(k))) == name
	})
	if len(candidates) == 0 {
		return nil, fmt.Errorf("qmc: no mmkv key for %s", name)
	}
	if len(candidates) > 1 {
		logger.Debug("several mmkv keys match, using the first", zap.Strings("keys", candidates))
	}

	buf, err := vault.GetBytes(candidates[0])
	if err != nil {
		return nil, fmt.Errorf("qmc mmkv get: %w", err)
	}
	return deriveKey(buf)
}
