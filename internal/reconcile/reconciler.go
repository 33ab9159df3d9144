// Package reconcile runs the periodic sweep that repairs entitlement
// state: webhooks are at-least-once but not guaranteed, so the sweep is
// what makes a lost delivery a delay instead of a permanent gap.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hylozoic/entitlements/internal/billing"
	"github.com/hylozoic/entitlements/internal/entitlements"
	apperrors "github.com/hylozoic/entitlements/internal/errors"
	"github.com/hylozoic/entitlements/internal/metrics"
)

// accountConcurrency bounds the fan-out across merchant accounts.
const accountConcurrency = 4

// AccountSource lists the connected accounts to sweep.
type AccountSource interface {
	MerchantAccounts(ctx context.Context) ([]string, error)
}

// Summary reports what a sweep did.
type Summary struct {
	Accounts      int
	Subscriptions int
	Repaired      int
	Expired       int
}

// Reconciler sweeps on a timer: expires lapsed grants, then walks every
// merchant account's active subscriptions and repairs any with no grants
// on file.
type Reconciler struct {
	engine   *entitlements.Engine
	billing  billing.Client
	accounts AccountSource
	interval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a reconciler sweeping at the given interval.
func New(engine *entitlements.Engine, bc billing.Client, accounts AccountSource, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Reconciler{
		engine:   engine,
		billing:  bc,
		accounts: accounts,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs after one interval,
// not at startup, so a crash-looping process does not hammer the provider.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
	log.Info().Dur("interval", r.interval).Msg("Reconciler started")
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop() {
	close(r.stopChan)
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval/2)
			summary, err := r.RunOnce(ctx)
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("Reconciliation sweep failed")
				metrics.ReconcileRuns.WithLabelValues("error").Inc()
				continue
			}
			metrics.ReconcileRuns.WithLabelValues("ok").Inc()
			log.Info().
				Int("accounts", summary.Accounts).
				Int("subscriptions", summary.Subscriptions).
				Int("repaired", summary.Repaired).
				Int("expired", summary.Expired).
				Msg("Reconciliation sweep completed")
		}
	}
}

// RunOnce executes a single sweep.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary

	expired, err := r.engine.ExpireLapsedGrants(ctx)
	if err != nil {
		return summary, err
	}
	summary.Expired = expired

	accounts, err := r.accounts.MerchantAccounts(ctx)
	if err != nil {
		return summary, err
	}
	summary.Accounts = len(accounts)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(accountConcurrency)

	for _, account := range accounts {
		account := account
		g.Go(func() error {
			subs, err := r.billing.ListActiveSubscriptions(gctx, account)
			if err != nil {
				// One unreachable account should not abort the whole sweep.
				log.Warn().Err(err).Str("account", account).Msg("Failed to list subscriptions")
				return nil
			}

			repaired := 0
			for _, sub := range subs {
				ok, err := r.engine.RepairSubscription(gctx, account, sub)
				if err != nil {
					if apperrors.KindOf(err) == apperrors.KindMissingCorrelation {
						// Voluntary contributions have no offering to repair to.
						continue
					}
					log.Warn().
						Err(err).
						Str("account", account).
						Str("subscription", sub.ID).
						Msg("Repair attempt failed")
					continue
				}
				if ok {
					repaired++
					log.Warn().
						Str("account", account).
						Str("subscription", sub.ID).
						Msg("Repaired subscription with missing grants")
				}
			}

			mu.Lock()
			summary.Subscriptions += len(subs)
			summary.Repaired += repaired
			mu.Unlock()
			return nil
		})
	}

	err = g.Wait()
	return summary, err
}
