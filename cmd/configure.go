package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/entitleio/beam/internal/awsauth"
	"github.com/entitleio/beam/internal/config"
	"github.com/entitleio/beam/internal/model"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Interactively build the beam config file",
	RunE:  runConfigure,
}

func init() {
	configureCmd.Flags().String("sso-url", "", "SSO start URL, skips the prompt")
	configureCmd.Flags().String("sso-region", "", "SSO region, skips the prompt")
	rootCmd.AddCommand(configureCmd)
}

type prompter struct {
	rl *readline.Instance
}

func (p *prompter) ask(question, fallback string) (string, error) {
	if fallback != "" {
		question = fmt.Sprintf("%s [%s]: ", question, fallback)
	} else {
		question += ": "
	}
	p.rl.SetPrompt(question)
	line, err := p.rl.Readline()
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return fallback, nil
	}
	return line, nil
}

func (p *prompter) confirm(question string) (bool, error) {
	answer, err := p.ask(question+" (y/n)", "y")
	if err != nil {
		return false, err
	}
	return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes"), nil
}

func runConfigure(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cmd.SilenceUsage = true

	rl, err := readline.NewEx(&readline.Config{Prompt: "> "})
	if err != nil {
		return err
	}
	defer rl.Close()
	p := &prompter{rl: rl}

	var cfg config.Config

	cfg.AWS.SSOStartURL, _ = cmd.Flags().GetString("sso-url")
	for !strings.HasPrefix(cfg.AWS.SSOStartURL, "https://") {
		if cfg.AWS.SSOStartURL != "" {
			cmd.Println("the SSO start URL must be an https URL")
		}
		if cfg.AWS.SSOStartURL, err = p.ask("SSO start URL (https://...awsapps.com/start)", ""); err != nil {
			return err
		}
	}
	if cfg.AWS.SSORegion, _ = cmd.Flags().GetString("sso-region"); cfg.AWS.SSORegion == "" {
		if cfg.AWS.SSORegion, err = p.ask("SSO region", "us-east-1"); err != nil {
			return err
		}
	}

	sso, err := awsauth.NewSSOClient(ctx, cfg.AWS.SSOStartURL, cfg.AWS.SSORegion, logger)
	if err != nil {
		return err
	}
	if err = sso.EnsureLogin(ctx); err != nil {
		return err
	}

	accounts, err := sso.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return errors.New("the SSO portal exposes no accounts to this user")
	}
	selected, err := selectAccounts(cmd, p, accounts)
	if err != nil {
		return err
	}
	for _, a := range selected {
		cfg.AWS.Accounts = append(cfg.AWS.Accounts, a.ID)
	}

	if cfg.AWS.Role, err = selectRole(ctx, cmd, p, sso, selected[0]); err != nil {
		return err
	}
	if err = verifyRole(ctx, sso, cfg, selected[0].ID); err != nil {
		return err
	}

	regions, err := p.ask("regions to scan (comma-separated)", cfg.AWS.SSORegion)
	if err != nil {
		return err
	}
	for _, r := range strings.Split(regions, ",") {
		if r = strings.TrimSpace(r); r != "" {
			cfg.AWS.Regions = append(cfg.AWS.Regions, r)
		}
	}

	glob, err := p.ask("bastion Name tag pattern", config.DefaultBastionGlob)
	if err != nil {
		return err
	}
	cfg.Bastion.Tags = map[string]string{"Name": glob}

	eksEnabled, err := p.confirm("tunnel to EKS clusters?")
	if err != nil {
		return err
	}
	cfg.EKS.Enabled = &eksEnabled
	if eksEnabled {
		var pattern string
		if pattern, err = p.ask("EKS cluster Name tag pattern", "*"); err != nil {
			return err
		}
		cfg.EKS.Tags = map[string]string{"Name": pattern}
		if cfg.Kubernetes.Namespace, err = p.ask("default kubectl namespace", "default"); err != nil {
			return err
		}
	}
	rdsEnabled, err := p.confirm("tunnel to RDS endpoints?")
	if err != nil {
		return err
	}
	cfg.RDS.Enabled = &rdsEnabled
	if rdsEnabled {
		var pattern string
		if pattern, err = p.ask("RDS identifier pattern", "*"); err != nil {
			return err
		}
		cfg.RDS.Tags = map[string]string{"Name": pattern}
	}

	if err = cfg.Validate(); err != nil {
		return err
	}

	path := viper.GetString("config")
	cmd.Printf("\nwriting configuration for %d accounts and %d regions to %s\n",
		len(cfg.AWS.Accounts), len(cfg.AWS.Regions), path)
	ok, err := p.confirm("save?")
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("aborted, nothing written")
	}

	if err = config.Save(path, &cfg); err != nil {
		return err
	}
	logger.Info("configuration saved", zap.String("path", path))
	return nil
}

func selectAccounts(cmd *cobra.Command, p *prompter, accounts []model.Account) ([]model.Account, error) {
	for i, a := range accounts {
		cmd.Printf("%3d. %s (%s)\n", i+1, a.Name, a.ID)
	}
	answer, err := p.ask("accounts to scan (comma-separated numbers)", "all")
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(answer, "all") {
		return accounts, nil
	}

	var selected []model.Account
	for _, field := range strings.Split(answer, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || n < 1 || n > len(accounts) {
			return nil, fmt.Errorf("invalid account selection %q", field)
		}
		selected = append(selected, accounts[n-1])
	}
	if len(selected) == 0 {
		return nil, errors.New("no accounts selected")
	}
	return selected, nil
}

func selectRole(ctx context.Context, cmd *cobra.Command, p *prompter, sso *awsauth.SSOClient, account model.Account) (string, error) {
	roles, err := sso.ListRoles(ctx, account.ID)
	if err != nil {
		return "", err
	}
	if len(roles) == 0 {
		return "", fmt.Errorf("no roles assignable in account %s", account.ID)
	}
	if len(roles) == 1 {
		cmd.Printf("using role %s, the only one assignable in %s\n", roles[0], account.Name)
		return roles[0], nil
	}

	for i, r := range roles {
		cmd.Printf("%3d. %s\n", i+1, r)
	}
	answer, err := p.ask("role to assume", "1")
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(answer)
	if err != nil || n < 1 || n > len(roles) {
		return "", fmt.Errorf("invalid role selection %q", answer)
	}
	return roles[n-1], nil
}

// verifyRole assumes the chosen role in one account and calls STS to prove
// the credentials actually work before the config is written.
func verifyRole(ctx context.Context, sso *awsauth.SSOClient, cfg config.Config, accountID string) error {
	session := awsauth.NewSession(model.SessionIdentity{
		AccountID: accountID,
		StartURL:  cfg.AWS.SSOStartURL,
		SSORegion: cfg.AWS.SSORegion,
		RoleName:  cfg.AWS.Role,
		Region:    cfg.AWS.SSORegion,
	}, sso)

	awsCfg, err := session.Config(ctx)
	if err != nil {
		return err
	}
	out, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("role %s could not be verified in account %s: %w", cfg.AWS.Role, accountID, err)
	}
	logger.Info("role verified", zap.String("arn", aws.ToString(out.Arn)))
	return nil
}
