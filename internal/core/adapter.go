package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"botgate/internal/config"
	"botgate/internal/errs"
	"botgate/pkg/logx"
)

// AdapterDeps are shared by every account of every platform.
type AdapterDeps struct {
	Protocols *ProtocolRegistry
	Mounter   Mounter
	IDs       MessageIDs
	Log       logx.Logger

	// ProtocolSettings merges process-wide defaults into a protocol's
	// settings. Nil uses the protocol's own settings.
	ProtocolSettings func(config.ProtocolConfig) config.Settings

	QueueSize  int
	DrainGrace time.Duration
}

// Adapter owns the live accounts of one platform. The account map lock is
// never held across network I/O.
type Adapter struct {
	meta    PlatformMeta
	factory PlatformFactory
	deps    AdapterDeps
	log     logx.Logger

	mu       sync.RWMutex
	accounts map[string]*Account
}

func newAdapter(meta PlatformMeta, f PlatformFactory, deps AdapterDeps) *Adapter {
	return &Adapter{
		meta:     meta,
		factory:  f,
		deps:     deps,
		log:      deps.Log.With(logx.String("comp", "adapter"), logx.String("platform", meta.Name)),
		accounts: map[string]*Account{},
	}
}

func (ad *Adapter) Meta() PlatformMeta { return ad.meta }

// CreateAccount builds an Account for cfg without starting it or
// attaching it.
func (ad *Adapter) CreateAccount(cfg config.AccountConfig) (*Account, error) {
	if cfg.Platform != ad.meta.Name {
		return nil, errs.Config("platform", "account %s does not belong to platform %s", cfg.Key(), ad.meta.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newAccount(cfg.Clone(), ad.meta, ad.factory, ad.deps), nil
}

// Attach adds a to the live set. An account id can be attached once.
func (ad *Adapter) Attach(a *Account) error {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	id := a.cfg.AccountID
	if _, ok := ad.accounts[id]; ok {
		return errs.Config("account", "%s is already attached", a.Key())
	}
	ad.accounts[id] = a
	return nil
}

// Detach removes an account from the live set without stopping it.
func (ad *Adapter) Detach(accountID string) (*Account, bool) {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	a, ok := ad.accounts[accountID]
	if ok {
		delete(ad.accounts, accountID)
	}
	return a, ok
}

func (ad *Adapter) Get(accountID string) (*Account, bool) {
	ad.mu.RLock()
	defer ad.mu.RUnlock()
	a, ok := ad.accounts[accountID]
	return a, ok
}

// Accounts returns the live accounts sorted by id.
func (ad *Adapter) Accounts() []*Account {
	ad.mu.RLock()
	out := make([]*Account, 0, len(ad.accounts))
	for _, a := range ad.accounts {
		out = append(out, a)
	}
	ad.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.AccountID < out[j].cfg.AccountID })
	return out
}

func (ad *Adapter) Len() int {
	ad.mu.RLock()
	defer ad.mu.RUnlock()
	return len(ad.accounts)
}

func (ad *Adapter) StartAccount(ctx context.Context, accountID string) error {
	a, ok := ad.Get(accountID)
	if !ok {
		return errs.NotFound("account %s/%s", ad.meta.Name, accountID)
	}
	return a.Start(ctx)
}

func (ad *Adapter) StopAccount(ctx context.Context, accountID string, force bool) error {
	a, ok := ad.Get(accountID)
	if !ok {
		return errs.NotFound("account %s/%s", ad.meta.Name, accountID)
	}
	return a.Stop(ctx, force)
}

// StartAll starts every enabled, not yet running account concurrently.
// One account failing does not affect the others; all failures are
// returned joined.
func (ad *Adapter) StartAll(ctx context.Context) error {
	return ad.each(func(a *Account) error {
		if !a.cfg.IsEnabled() {
			return nil
		}
		if st := a.State(); st != StateIdle && st != StateOffline {
			return nil
		}
		return a.Start(ctx)
	})
}

// StopAll stops every account concurrently and waits for all of them.
func (ad *Adapter) StopAll(ctx context.Context, force bool) error {
	return ad.each(func(a *Account) error { return a.Stop(ctx, force) })
}

func (ad *Adapter) each(fn func(a *Account) error) error {
	accounts := ad.Accounts()
	errList := make([]error, len(accounts))
	var wg sync.WaitGroup
	for i, a := range accounts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errList[i] = fn(a)
		}()
	}
	wg.Wait()
	return errors.Join(errList...)
}
