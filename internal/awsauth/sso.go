// Package awsauth obtains scoped AWS credentials through IAM Identity Center
// (SSO) and registers the matching profiles in the local AWS CLI config.
package awsauth

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sso"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	oidctypes "github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
	"github.com/pkg/browser"
	"go.uber.org/zap"

	"github.com/entitleio/beam/internal/model"
)

const (
	clientName = "beam"
	clientType = "public"
	grantType  = "urn:ietf:params:oauth:grant-type:device_code"
)

// ErrLoginTimeout is returned when the device authorization expires before the
// user approves it in the browser.
var ErrLoginTimeout = errors.New("SSO device authorization timed out")

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SSOClient drives the SSO portal for one start URL: device-flow login,
// account/role listing and role credential retrieval.
type SSOClient struct {
	startURL  string
	ssoRegion string
	oidc      *ssooidc.Client
	portal    *sso.Client
	log       *zap.Logger

	cacheDir string
	openURL  func(string) error
	sleep    func(time.Duration)

	token string
}

// NewSSOClient builds a client for the given portal. The SSO and OIDC API
// clients run with anonymous credentials; only the access token authenticates
// portal calls.
func NewSSOClient(ctx context.Context, startURL, ssoRegion string, logger *zap.Logger) (*SSOClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(ssoRegion))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	cfg.Credentials = aws.AnonymousCredentials{}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &SSOClient{
		startURL:  startURL,
		ssoRegion: ssoRegion,
		oidc:      ssooidc.NewFromConfig(cfg),
		portal:    sso.NewFromConfig(cfg),
		log:       logger,
		cacheDir:  filepath.Join(home, ".beam", "sso-cache"),
		openURL:   browser.OpenURL,
		sleep:     time.Sleep,
	}, nil
}

// EnsureLogin returns a valid access token, reusing the cached one when it has
// not expired and running the device authorization flow otherwise.
func (c *SSOClient) EnsureLogin(ctx context.Context) error {
	if c.token != "" {
		return nil
	}
	if tok, ok := c.readTokenCache(); ok {
		c.log.Debug("using cached SSO access token", zap.Time("expires_at", tok.ExpiresAt))
		c.token = tok.AccessToken
		return nil
	}
	return c.login(ctx)
}

func (c *SSOClient) login(ctx context.Context) error {
	reg, err := c.oidc.RegisterClient(ctx, &ssooidc.RegisterClientInput{
		ClientName: aws.String(clientName),
		ClientType: aws.String(clientType),
	})
	if err != nil {
		return fmt.Errorf("register OIDC client: %w", err)
	}

	auth, err := c.oidc.StartDeviceAuthorization(ctx, &ssooidc.StartDeviceAuthorizationInput{
		ClientId:     reg.ClientId,
		ClientSecret: reg.ClientSecret,
		StartUrl:     aws.String(c.startURL),
	})
	if err != nil {
		return fmt.Errorf("start device authorization: %w", err)
	}

	c.log.Info("complete the SSO login in your browser",
		zap.String("url", aws.ToString(auth.VerificationUriComplete)),
		zap.String("code", aws.ToString(auth.UserCode)))
	if err = c.openURL(aws.ToString(auth.VerificationUriComplete)); err != nil {
		c.log.Warn("could not open browser, open the URL manually", zap.Error(err))
	}

	interval := time.Duration(auth.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)

	for time.Now().Before(deadline) {
		tok, err := c.oidc.CreateToken(ctx, &ssooidc.CreateTokenInput{
			ClientId:     reg.ClientId,
			ClientSecret: reg.ClientSecret,
			DeviceCode:   auth.DeviceCode,
			GrantType:    aws.String(grantType),
		})
		if err != nil {
			var pending *oidctypes.AuthorizationPendingException
			var slow *oidctypes.SlowDownException
			switch {
			case errors.As(err, &pending):
				c.sleep(interval)
				continue
			case errors.As(err, &slow):
				interval += 5 * time.Second
				c.sleep(interval)
				continue
			default:
				return fmt.Errorf("create SSO token: %w", err)
			}
		}

		c.token = aws.ToString(tok.AccessToken)
		c.writeTokenCache(cachedToken{
			AccessToken: c.token,
			ExpiresAt:   time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		})
		return nil
	}

	return ErrLoginTimeout
}

// ListAccounts enumerates the accounts visible behind the portal.
func (c *SSOClient) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	p := sso.NewListAccountsPaginator(c.portal, &sso.ListAccountsInput{AccessToken: aws.String(c.token)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		for _, a := range page.AccountList {
			accounts = append(accounts, model.Account{
				ID:   aws.ToString(a.AccountId),
				Name: aws.ToString(a.AccountName),
			})
		}
	}
	c.log.Debug("listed SSO accounts", zap.Int("count", len(accounts)))
	return accounts, nil
}

// ListRoles enumerates the role names assignable in one account.
func (c *SSOClient) ListRoles(ctx context.Context, accountID string) ([]string, error) {
	var roles []string
	p := sso.NewListAccountRolesPaginator(c.portal, &sso.ListAccountRolesInput{
		AccessToken: aws.String(c.token),
		AccountId:   aws.String(accountID),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list roles for account %s: %w", accountID, err)
		}
		for _, r := range page.RoleList {
			roles = append(roles, aws.ToString(r.RoleName))
		}
	}
	return roles, nil
}

// RoleCredentials fetches the temporary credentials for a role in an account.
func (c *SSOClient) RoleCredentials(ctx context.Context, accountID, roleName string) (aws.Credentials, error) {
	out, err := c.portal.GetRoleCredentials(ctx, &sso.GetRoleCredentialsInput{
		AccessToken: aws.String(c.token),
		AccountId:   aws.String(accountID),
		RoleName:    aws.String(roleName),
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("get role credentials for %s-%s: %w", accountID, roleName, err)
	}

	rc := out.RoleCredentials
	return aws.Credentials{
		AccessKeyID:     aws.ToString(rc.AccessKeyId),
		SecretAccessKey: aws.ToString(rc.SecretAccessKey),
		SessionToken:    aws.ToString(rc.SessionToken),
		CanExpire:       true,
		Expires:         time.UnixMilli(rc.Expiration),
		Source:          "beam-sso",
	}, nil
}

func (c *SSOClient) cachePath() string {
	sum := sha1.Sum([]byte(c.startURL))
	return filepath.Join(c.cacheDir, hex.EncodeToString(sum[:])+".json")
}

func (c *SSOClient) readTokenCache() (cachedToken, bool) {
	data, err := os.ReadFile(c.cachePath())
	if err != nil {
		return cachedToken{}, false
	}
	var tok cachedToken
	if err = json.Unmarshal(data, &tok); err != nil {
		return cachedToken{}, false
	}
	// refuse tokens about to expire mid-run
	if time.Until(tok.ExpiresAt) < 5*time.Minute {
		return cachedToken{}, false
	}
	return tok, true
}

func (c *SSOClient) writeTokenCache(tok cachedToken) {
	if err := os.MkdirAll(c.cacheDir, 0o700); err != nil {
		c.log.Warn("could not create SSO token cache dir", zap.Error(err))
		return
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return
	}
	if err = os.WriteFile(c.cachePath(), data, 0o600); err != nil {
		c.log.Warn("could not write SSO token cache", zap.Error(err))
	}
}
