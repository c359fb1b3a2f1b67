package tonconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/machinae/tonwallet"
)

// ConnectedApp binds one dApp to the session keypair negotiated at connect
// time. At most one entry exists per (wallet, clientId).
type ConnectedApp struct {
	ClientID string   `json:"clientId"`
	Manifest Manifest `json:"manifest"`
	KeyPair  KeyPair  `json:"keyPair"`
}

// ConnectedApps is the ordered set of connected apps for one wallet.
type ConnectedApps struct {
	Apps []ConnectedApp `json:"apps"`
}

// Upsert replaces any existing entry with the same client id, keeping its
// position, and appends otherwise.
func (c *ConnectedApps) Upsert(app ConnectedApp) {
	if i := c.index(app.ClientID); i >= 0 {
		c.Apps[i] = app
		return
	}
	c.Apps = append(c.Apps, app)
}

// Remove deletes the entry with the given client id. Removing a missing
// entry is a no-op.
func (c *ConnectedApps) Remove(clientID string) {
	if i := c.index(clientID); i >= 0 {
		c.Apps = append(c.Apps[:i], c.Apps[i+1:]...)
	}
}

// Find returns the app connected under the given client id.
func (c *ConnectedApps) Find(clientID string) (ConnectedApp, bool) {
	if i := c.index(clientID); i >= 0 {
		return c.Apps[i], true
	}
	return ConnectedApp{}, false
}

func (c *ConnectedApps) index(clientID string) int {
	return slices.IndexFunc(c.Apps, func(app ConnectedApp) bool {
		return app.ClientID == clientID
	})
}

const (
	vaultKeyPrefix  = "tonconnect:apps:"
	legacyKeyPrefix = "ton-connect-apps:"
)

// Vault is the per-wallet persistent store of connected apps. Mutation is
// serialized per wallet: concurrent connect attempts racing a
// read-modify-write is the primary data-race hazard here.
type Vault struct {
	store Store
	log   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewVault(store Store, log *zap.Logger) *Vault {
	if log == nil {
		log = zap.NewNop()
	}

	return &Vault{
		store: store,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

func (v *Vault) walletLock(key string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()

	lock, ok := v.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		v.locks[key] = lock
	}
	return lock
}

// Load returns the connected apps for a wallet, or ErrNotFound.
func (v *Vault) Load(ctx context.Context, wallet tonwallet.Wallet) (ConnectedApps, error) {
	return v.load(ctx, vaultKeyPrefix+wallet.StorageKey())
}

func (v *Vault) load(ctx context.Context, key string) (ConnectedApps, error) {
	var apps ConnectedApps

	data, err := v.store.Get(ctx, key)
	if err != nil {
		return apps, err
	}
	if err := json.Unmarshal(data, &apps); err != nil {
		return apps, fmt.Errorf("tonconnect: failed to decode vault entry: %w", err)
	}

	return apps, nil
}

// Save overwrites the whole collection for a wallet. Last writer wins at
// collection granularity; read-modify-write callers go through Upsert or
// Remove instead.
func (v *Vault) Save(ctx context.Context, wallet tonwallet.Wallet, apps ConnectedApps) error {
	data, err := json.Marshal(apps)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}

	return v.store.Set(ctx, vaultKeyPrefix+wallet.StorageKey(), data)
}

// Upsert adds or replaces one connected app under the wallet's lock.
func (v *Vault) Upsert(ctx context.Context, wallet tonwallet.Wallet, app ConnectedApp) error {
	lock := v.walletLock(wallet.StorageKey())
	lock.Lock()
	defer lock.Unlock()

	apps, err := v.Load(ctx, wallet)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	apps.Upsert(app)
	return v.Save(ctx, wallet, apps)
}

// Remove deletes one connected app under the wallet's lock.
func (v *Vault) Remove(ctx context.Context, wallet tonwallet.Wallet, clientID string) error {
	lock := v.walletLock(wallet.StorageKey())
	lock.Lock()
	defer lock.Unlock()

	apps, err := v.Load(ctx, wallet)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	apps.Remove(clientID)
	return v.Save(ctx, wallet, apps)
}

// MigrateLegacy copies entries from the legacy per-address layout into the
// per-wallet layout. One-shot and idempotent: a wallet that already has an
// entry in the new layout is left alone. Wallets that are not
// TonConnect-capable or have no legacy entry are counted as skipped rather
// than silently dropped.
func (v *Vault) MigrateLegacy(ctx context.Context, wallets []tonwallet.Wallet) (migrated, skipped int) {
	for _, wallet := range wallets {
		if !wallet.SupportsTonConnect() {
			skipped++
			continue
		}

		if _, err := v.Load(ctx, wallet); err == nil {
			skipped++
			continue
		}

		legacy, err := v.load(ctx, legacyKeyPrefix+wallet.RawAddress())
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				v.log.Warn("failed to read legacy vault entry",
					zap.String("wallet", wallet.ID), zap.Error(err))
			}
			skipped++
			continue
		}

		lock := v.walletLock(wallet.StorageKey())
		lock.Lock()
		err = v.Save(ctx, wallet, legacy)
		lock.Unlock()
		if err != nil {
			v.log.Warn("failed to migrate legacy vault entry",
				zap.String("wallet", wallet.ID), zap.Error(err))
			skipped++
			continue
		}

		migrated++
	}

	return migrated, skipped
}
