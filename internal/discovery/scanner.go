package discovery

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/entitleio/beam/internal/awsauth"
	"github.com/entitleio/beam/internal/config"
	"github.com/entitleio/beam/internal/model"
)

const defaultWorkers = 10

// AccountLister enumerates the organization's accounts and their assignable
// roles; satisfied by awsauth.SSOClient.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]model.Account, error)
	ListRoles(ctx context.Context, accountID string) ([]string, error)
}

// Scanner fans discovery out across the configured accounts and regions and
// persists the aggregated bastion list back into the config document.
type Scanner struct {
	log     *zap.Logger
	sso     AccountLister
	source  awsauth.CredentialSource
	workers int

	discover      func(context.Context, *awsauth.Session, Filters) ([]model.Bastion, error)
	ensureProfile func(model.SessionIdentity) error
}

// NewScanner wires a Scanner to the SSO client and a Discoverer.
func NewScanner(logger *zap.Logger, sso AccountLister, source awsauth.CredentialSource, disc *Discoverer, workers int) *Scanner {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Scanner{
		log:      logger,
		sso:      sso,
		source:   source,
		workers:  workers,
		discover: disc.DiscoverRegion,
		ensureProfile: func(id model.SessionIdentity) error {
			_, err := awsauth.EnsureProfile("", id, false)
			return err
		},
	}
}

// Scan walks every in-scope account, verifies the configured role is
// assignable there, and runs region discovery on a bounded worker pool. A
// failing region is logged and skipped; siblings keep running and partial
// results are returned. When cachePath is non-empty the full config document,
// bastion list included, is rewritten there.
func (s *Scanner) Scan(ctx context.Context, cfg *config.Config, cachePath string) ([]model.Bastion, error) {
	accounts, err := s.sso.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	inScope := make(map[string]bool, len(cfg.AWS.Accounts))
	for _, id := range cfg.AWS.Accounts {
		inScope[id] = true
	}

	filters := Filters{
		BastionNameGlob: cfg.Bastion.NameGlob(),
		BastionTags:     cfg.Bastion.ExtraTags(),
		EKSEnabled:      cfg.EKS.IsEnabled(),
		EKSTags:         cfg.EKS.Tags,
		RDSEnabled:      cfg.RDS.IsEnabled(),
		RDSTags:         cfg.RDS.Tags,
	}

	var (
		mu  sync.Mutex
		all []model.Bastion
		wg  sync.WaitGroup
	)
	sem := make(chan struct{}, s.workers)

	for _, account := range accounts {
		if !inScope[account.ID] {
			s.log.Debug("skipping account not in config", zap.String("account", account.ID))
			continue
		}

		roles, err := s.sso.ListRoles(ctx, account.ID)
		if err != nil {
			s.log.Warn("could not list roles, skipping account",
				zap.String("account", account.ID), zap.Error(err))
			continue
		}
		if !slices.Contains(roles, cfg.AWS.Role) {
			s.log.Info("role not assignable in account, skipping",
				zap.String("account", account.ID), zap.String("role", cfg.AWS.Role))
			continue
		}

		if err = s.ensureProfile(model.SessionIdentity{
			AccountID: account.ID,
			StartURL:  cfg.AWS.SSOStartURL,
			SSORegion: cfg.AWS.SSORegion,
			RoleName:  cfg.AWS.Role,
			Region:    cfg.AWS.SSORegion,
		}); err != nil {
			s.log.Warn("could not register AWS CLI profile",
				zap.String("account", account.ID), zap.Error(err))
		}

		s.log.Info("processing account", zap.String("account", account.ID), zap.String("name", account.Name))

		for _, region := range cfg.AWS.Regions {
			wg.Add(1)
			go func(acct model.Account, region string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				id := model.SessionIdentity{
					AccountID: acct.ID,
					StartURL:  cfg.AWS.SSOStartURL,
					SSORegion: cfg.AWS.SSORegion,
					RoleName:  cfg.AWS.Role,
					Region:    region,
				}
				bastions, err := s.discover(ctx, awsauth.NewSession(id, s.source), filters)
				if err != nil {
					s.log.Warn("region discovery failed",
						zap.String("account", acct.ID), zap.String("region", region), zap.Error(err))
					return
				}

				mu.Lock()
				all = append(all, bastions...)
				mu.Unlock()
			}(account, region)
		}
	}
	wg.Wait()

	s.log.Info("scan complete", zap.Int("bastions", len(all)))

	if cachePath != "" {
		cfg.Bastions = all
		if err = config.Save(cachePath, cfg); err != nil {
			return all, fmt.Errorf("persist bastion cache: %w", err)
		}
	}
	return all, nil
}
