package localstate

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func testTarget() ClusterTarget {
	return ClusterTarget{
		Name:                 "prod-eks",
		Endpoint:             "https://ABC123.gr7.us-east-1.eks.amazonaws.com",
		CertificateAuthority: "Q0EtZGF0YQ==",
		Region:               "us-east-1",
		AccountID:            "111111111111",
		Profile:              "111111111111-Admin",
		LocalPort:            16890,
		DefaultNamespace:     "default",
	}
}

func testKubeconfig(t *testing.T) *Kubeconfig {
	t.Helper()
	return &Kubeconfig{log: zap.NewNop(), path: filepath.Join(t.TempDir(), "config")}
}

func TestUpdateCreatesFreshConfig(t *testing.T) {
	k := testKubeconfig(t)
	target := testTarget()

	if err := k.Update(target); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(k.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}

	doc, err := k.read()
	if err != nil {
		t.Fatal(err)
	}
	key := "111111111111:us-east-1:prod-eks"
	if doc.CurrentContext != key {
		t.Fatalf("current-context = %q, want %q", doc.CurrentContext, key)
	}
	if len(doc.Clusters) != 1 || doc.Clusters[0].Name != key {
		t.Fatalf("clusters = %+v", doc.Clusters)
	}
	wantServer := "https://ABC123.gr7.us-east-1.eks.amazonaws.com:16890"
	if doc.Clusters[0].Cluster.Server != wantServer {
		t.Fatalf("server = %q, want %q", doc.Clusters[0].Cluster.Server, wantServer)
	}
	if doc.Contexts[0].Context.Namespace != "default" {
		t.Fatalf("namespace = %q", doc.Contexts[0].Context.Namespace)
	}

	exec, ok := doc.Users[0].User["exec"].(map[string]any)
	if !ok {
		t.Fatalf("user entry has no exec block: %+v", doc.Users[0].User)
	}
	if exec["command"] != "aws" {
		t.Fatalf("exec command = %v", exec["command"])
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	k := testKubeconfig(t)

	for i := 0; i < 3; i++ {
		if err := k.Update(testTarget()); err != nil {
			t.Fatal(err)
		}
	}

	doc, err := k.read()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Clusters) != 1 || len(doc.Contexts) != 1 || len(doc.Users) != 1 {
		t.Fatalf("duplicated entries: %d clusters, %d contexts, %d users",
			len(doc.Clusters), len(doc.Contexts), len(doc.Users))
	}
}

func TestUpdatePreservesForeignEntries(t *testing.T) {
	k := testKubeconfig(t)
	initial := `apiVersion: v1
kind: Config
preferences:
  colors: true
current-context: minikube
clusters:
- name: minikube
  cluster:
    server: https://192.168.49.2:8443
    insecure-skip-tls-verify: true
contexts:
- name: minikube
  context:
    cluster: minikube
    user: minikube
users:
- name: minikube
  user:
    client-certificate: /home/dev/.minikube/client.crt
`
	if err := os.WriteFile(k.path, []byte(initial), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := k.Update(testTarget()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(k.path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err = yaml.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["preferences"]; !ok {
		t.Fatal("unmanaged top-level field dropped")
	}

	doc, err := k.read()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Clusters) != 2 {
		t.Fatalf("existing cluster dropped: %+v", doc.Clusters)
	}
	var minikube *namedCluster
	for i := range doc.Clusters {
		if doc.Clusters[i].Name == "minikube" {
			minikube = &doc.Clusters[i]
		}
	}
	if minikube == nil {
		t.Fatal("minikube cluster gone")
	}
	if _, ok := minikube.Cluster.Extra["insecure-skip-tls-verify"]; !ok {
		t.Fatalf("unmanaged cluster field dropped: %+v", minikube.Cluster)
	}
}

func TestUpdateCarriesNamespaceOver(t *testing.T) {
	k := testKubeconfig(t)
	target := testTarget()

	if err := k.Update(target); err != nil {
		t.Fatal(err)
	}

	// simulate the user switching namespaces between runs
	doc, err := k.read()
	if err != nil {
		t.Fatal(err)
	}
	doc.Contexts[0].Context.Namespace = "payments"
	if err = k.write(doc); err != nil {
		t.Fatal(err)
	}

	if err = k.Update(target); err != nil {
		t.Fatal(err)
	}
	doc, err = k.read()
	if err != nil {
		t.Fatal(err)
	}
	if doc.Contexts[0].Context.Namespace != "payments" {
		t.Fatalf("namespace = %q, want the user's choice kept", doc.Contexts[0].Context.Namespace)
	}
}
