package tunnel

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"github.com/entitleio/beam/internal/awsauth"
	"github.com/entitleio/beam/internal/localstate"
	"github.com/entitleio/beam/internal/model"
)

const (
	forwardingDocument = "AWS-StartPortForwardingSessionToRemoteHost"
	eksAPIPort         = 443
)

// SSMAPI is the slice of the SSM API used for tunneling.
type SSMAPI interface {
	StartSession(ctx context.Context, params *ssm.StartSessionInput, optFns ...func(*ssm.Options)) (*ssm.StartSessionOutput, error)
}

// HostsEditor points endpoint names at loopback.
type HostsEditor interface {
	Ensure(host string) error
}

// KubeconfigEditor installs cluster entries in the kubectl configuration.
type KubeconfigEditor interface {
	Update(target localstate.ClusterTarget) error
}

// Manager opens port-forwarding sessions through bastions and prepares the
// local machine so the tunneled endpoints resolve. The SSM client factory and
// the plugin starter are replaceable so tests can plug in fakes.
type Manager struct {
	log   *zap.Logger
	hosts HostsEditor
	kube  KubeconfigEditor

	defaultNamespace string

	newSSM   func(aws.Config) SSMAPI
	lookPath func(string) (string, error)
	start    func(pluginRequest) (wait, kill func() error, err error)
}

// NewManager wires a Manager to the local hosts and kubectl editors.
func NewManager(logger *zap.Logger, hosts HostsEditor, kube KubeconfigEditor, defaultNamespace string) *Manager {
	m := &Manager{
		log:              logger,
		hosts:            hosts,
		kube:             kube,
		defaultNamespace: defaultNamespace,
		newSSM:           func(cfg aws.Config) SSMAPI { return ssm.NewFromConfig(cfg) },
		lookPath:         exec.LookPath,
	}
	m.start = m.startPlugin
	return m
}

// ConnectEKS tunnels the cluster's API endpoint through the bastion, aliases
// the endpoint name to loopback and installs a kubectl context for it.
func (m *Manager) ConnectEKS(ctx context.Context, session *awsauth.Session, bastion model.Bastion, cluster model.EKSInstance) (*Handle, error) {
	host := strings.TrimPrefix(cluster.Endpoint, "https://")
	localPort := StablePort(cluster.Endpoint)

	if err := m.hosts.Ensure(host); err != nil {
		return nil, err
	}
	if err := m.kube.Update(localstate.ClusterTarget{
		Name:                 cluster.Name,
		Endpoint:             cluster.Endpoint,
		CertificateAuthority: cluster.CertificateAuthority,
		Region:               bastion.Session.Region,
		AccountID:            bastion.Session.AccountID,
		Profile:              bastion.Session.ProfileName(),
		LocalPort:            localPort,
		DefaultNamespace:     m.defaultNamespace,
	}); err != nil {
		return nil, err
	}

	return m.connect(ctx, session, bastion, host, eksAPIPort, localPort)
}

// ConnectRDS tunnels the database endpoint through the bastion and aliases
// its name to loopback, so clients connect with the real hostname and the
// stable local port.
func (m *Manager) ConnectRDS(ctx context.Context, session *awsauth.Session, bastion model.Bastion, db model.RDSInstance) (*Handle, error) {
	localPort := StablePort(db.Endpoint)

	if err := m.hosts.Ensure(db.Endpoint); err != nil {
		return nil, err
	}

	return m.connect(ctx, session, bastion, db.Endpoint, int(db.Port), localPort)
}

// ConnectAll opens tunnels for every EKS cluster and RDS endpoint attached to
// the given bastions. A failing target is logged and skipped so one bad
// endpoint never takes the rest of the run down.
func (m *Manager) ConnectAll(ctx context.Context, source awsauth.CredentialSource, bastions []model.Bastion, eks, rds bool) []*Handle {
	var handles []*Handle
	for _, bastion := range bastions {
		session := awsauth.NewSession(bastion.Session, source)

		if eks {
			for _, cluster := range bastion.EKSInstances {
				h, err := m.ConnectEKS(ctx, session, bastion, cluster)
				if err != nil {
					m.log.Error("could not tunnel to EKS cluster",
						zap.String("cluster", cluster.Name), zap.Error(err))
					continue
				}
				handles = append(handles, h)
			}
		}
		if rds {
			for _, db := range bastion.RDSInstances {
				h, err := m.ConnectRDS(ctx, session, bastion, db)
				if err != nil {
					m.log.Error("could not tunnel to RDS endpoint",
						zap.String("database", db.Identifier), zap.Error(err))
					continue
				}
				handles = append(handles, h)
			}
		}
	}
	return handles
}

func (m *Manager) connect(ctx context.Context, session *awsauth.Session, bastion model.Bastion, host string, remotePort, localPort int) (*Handle, error) {
	cfg, err := session.Config(ctx)
	if err != nil {
		return nil, err
	}

	input := &ssm.StartSessionInput{
		DocumentName: aws.String(forwardingDocument),
		Target:       aws.String(bastion.InstanceID),
		Reason:       aws.String("beam tunnel to " + host),
		Parameters: map[string][]string{
			"host":            {host},
			"portNumber":      {strconv.Itoa(remotePort)},
			"localPortNumber": {strconv.Itoa(localPort)},
		},
	}
	out, err := m.newSSM(cfg).StartSession(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("start session on %s: %w", bastion.InstanceID, err)
	}

	wait, kill, err := m.start(pluginRequest{
		Region:  bastion.Session.Region,
		Profile: bastion.Session.ProfileName(),
		Input:   input,
		Output:  out,
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("tunnel established",
		zap.String("bastion", bastion.InstanceID),
		zap.String("endpoint", host),
		zap.Int("local_port", localPort),
		zap.Int("remote_port", remotePort))

	return &Handle{
		Target:    bastion.InstanceID,
		Endpoint:  host,
		LocalPort: localPort,
		wait:      wait,
		kill:      kill,
	}, nil
}
