package localstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ClusterTarget describes one EKS cluster entry to install in the kubectl
// configuration, pointed at a local tunnel port.
type ClusterTarget struct {
	Name                 string
	Endpoint             string // https URL as reported by EKS
	CertificateAuthority string // base64 CA bundle
	Region               string
	AccountID            string
	Profile              string
	LocalPort            int
	DefaultNamespace     string
}

// Key is the identity used for the cluster, context and user entries. It is
// unique per account, region and cluster name so same-named clusters in
// different accounts never collide.
func (c ClusterTarget) Key() string {
	return c.AccountID + ":" + c.Region + ":" + c.Name
}

// The kubectl document is modeled with inline maps on every level so fields
// this tool does not manage survive a rewrite untouched.
type kubeDocument struct {
	APIVersion     string         `yaml:"apiVersion"`
	Kind           string         `yaml:"kind"`
	CurrentContext string         `yaml:"current-context"`
	Clusters       []namedCluster `yaml:"clusters"`
	Contexts       []namedContext `yaml:"contexts"`
	Users          []namedUser    `yaml:"users"`
	Extra          map[string]any `yaml:",inline"`
}

type namedCluster struct {
	Name    string         `yaml:"name"`
	Cluster clusterEntry   `yaml:"cluster"`
	Extra   map[string]any `yaml:",inline"`
}

type clusterEntry struct {
	Server                   string         `yaml:"server"`
	CertificateAuthorityData string         `yaml:"certificate-authority-data,omitempty"`
	TLSServerName            string         `yaml:"tls-server-name,omitempty"`
	Extra                    map[string]any `yaml:",inline"`
}

type namedContext struct {
	Name    string         `yaml:"name"`
	Context contextEntry   `yaml:"context"`
	Extra   map[string]any `yaml:",inline"`
}

type contextEntry struct {
	Cluster   string         `yaml:"cluster"`
	User      string         `yaml:"user"`
	Namespace string         `yaml:"namespace,omitempty"`
	Extra     map[string]any `yaml:",inline"`
}

type namedUser struct {
	Name  string         `yaml:"name"`
	User  map[string]any `yaml:"user"`
	Extra map[string]any `yaml:",inline"`
}

// Kubeconfig rewrites the kubectl configuration in place.
type Kubeconfig struct {
	log  *zap.Logger
	path string
}

// NewKubeconfig edits the file named by KUBECONFIG, falling back to the
// standard ~/.kube/config.
func NewKubeconfig(logger *zap.Logger) *Kubeconfig {
	path := os.Getenv("KUBECONFIG")
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".kube", "config")
	}
	return &Kubeconfig{log: logger, path: path}
}

// Update installs or replaces the cluster, context and user entries for
// target and makes its context current. A namespace already chosen on the
// existing context is carried over; everything else in the file is preserved.
func (k *Kubeconfig) Update(target ClusterTarget) error {
	doc, err := k.read()
	if err != nil {
		return err
	}

	key := target.Key()
	namespace := target.DefaultNamespace
	for _, c := range doc.Contexts {
		if c.Name == key && c.Context.Namespace != "" {
			namespace = c.Context.Namespace
		}
	}

	host := strings.TrimPrefix(target.Endpoint, "https://")
	server := fmt.Sprintf("https://%s:%d", host, target.LocalPort)

	doc.Clusters = append(removeCluster(doc.Clusters, key), namedCluster{
		Name: key,
		Cluster: clusterEntry{
			Server:                   server,
			CertificateAuthorityData: target.CertificateAuthority,
			TLSServerName:            host,
		},
	})
	doc.Contexts = append(removeContext(doc.Contexts, key), namedContext{
		Name: key,
		Context: contextEntry{
			Cluster:   key,
			User:      key,
			Namespace: namespace,
		},
	})
	doc.Users = append(removeUser(doc.Users, key), namedUser{
		Name: key,
		User: execUser(target),
	})
	doc.CurrentContext = key

	if err = k.write(doc); err != nil {
		return err
	}
	k.log.Info("kubeconfig updated",
		zap.String("context", key), zap.String("server", server))
	return nil
}

// execUser builds the exec credential plugin block delegating token retrieval
// to the AWS CLI under the account's SSO profile.
func execUser(target ClusterTarget) map[string]any {
	return map[string]any{
		"exec": map[string]any{
			"apiVersion": "client.authentication.k8s.io/v1beta1",
			"command":    "aws",
			"args": []any{
				"--region", target.Region,
				"eks", "get-token",
				"--cluster-name", target.Name,
				"--output", "json",
			},
			"env": []any{
				map[string]any{"name": "AWS_PROFILE", "value": target.Profile},
			},
			"interactiveMode": "IfAvailable",
		},
	}
}

func (k *Kubeconfig) read() (*kubeDocument, error) {
	doc := &kubeDocument{APIVersion: "v1", Kind: "Config"}
	data, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", k.path, err)
	}
	if err = yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", k.path, err)
	}
	return doc, nil
}

func (k *Kubeconfig) write(doc *kubeDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return err
	}

	tmp := k.path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, k.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", k.path, err)
	}
	return nil
}

func removeCluster(in []namedCluster, name string) []namedCluster {
	out := in[:0]
	for _, c := range in {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}

func removeContext(in []namedContext, name string) []namedContext {
	out := in[:0]
	for _, c := range in {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}

func removeUser(in []namedUser, name string) []namedUser {
	out := in[:0]
	for _, u := range in {
		if u.Name != name {
			out = append(out, u)
		}
	}
	return out
}
