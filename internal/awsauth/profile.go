package awsauth

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"github.com/entitleio/beam/internal/model"
)

// EnsureProfile upserts the `profile <accountId>-<role>` section in the AWS
// CLI config file at path (defaulting to ~/.aws/config when path is empty).
// With overwrite false an existing section is left untouched. Returns the
// profile name either way.
func EnsureProfile(path string, id model.SessionIdentity, overwrite bool) (string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, ".aws", "config")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create AWS config dir: %w", err)
	}

	f, err := ini.LooseLoad(path)
	if err != nil {
		return "", fmt.Errorf("load AWS config %s: %w", path, err)
	}

	profile := id.ProfileName()
	sectionName := "profile " + profile

	if f.HasSection(sectionName) && !overwrite {
		return profile, nil
	}

	section, err := f.NewSection(sectionName)
	if err != nil {
		return "", err
	}
	section.Key("sso_start_url").SetValue(id.StartURL)
	section.Key("sso_region").SetValue(id.SSORegion)
	section.Key("sso_account_id").SetValue(id.AccountID)
	section.Key("sso_role_name").SetValue(id.RoleName)
	section.Key("region").SetValue(id.Region)
	section.Key("output").SetValue("json")

	if err = f.SaveTo(path); err != nil {
		return "", fmt.Errorf("write AWS config %s: %w", path, err)
	}
	return profile, nil
}
