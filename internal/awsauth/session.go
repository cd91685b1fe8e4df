package awsauth

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/entitleio/beam/internal/model"
)

// CredentialSource hands out role credentials; satisfied by SSOClient.
type CredentialSource interface {
	RoleCredentials(ctx context.Context, accountID, roleName string) (aws.Credentials, error)
}

// Session owns the lazily-created credential session for one SessionIdentity.
// The aws.Config is built on first use and reused for the rest of the run; it
// is never invalidated mid-run.
type Session struct {
	Identity model.SessionIdentity

	source CredentialSource

	mu  sync.Mutex
	cfg *aws.Config
}

// NewSession wraps an identity with a credential source. No network activity
// happens until Config is called.
func NewSession(id model.SessionIdentity, source CredentialSource) *Session {
	return &Session{Identity: id, source: source}
}

// Config returns the scoped aws.Config for this identity, creating it on the
// first call.
func (s *Session) Config(ctx context.Context) (aws.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg != nil {
		return *s.cfg, nil
	}

	creds, err := s.source.RoleCredentials(ctx, s.Identity.AccountID, s.Identity.RoleName)
	if err != nil {
		return aws.Config{}, fmt.Errorf("resolve session for %s in %s: %w",
			s.Identity.ProfileName(), s.Identity.Region, err)
	}

	cfg := aws.Config{
		Region: s.Identity.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
	}
	s.cfg = &cfg
	return cfg, nil
}
