// Package model holds the data types shared between discovery, tunneling and
// the config/cache document.
package model

import "fmt"

// Account is one AWS account visible through the SSO portal.
type Account struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// SessionIdentity is the set of coordinates needed to obtain a scoped
// credential session for one (account, region) pair. It is pure data; the
// lazily-created session itself lives in awsauth.Session.
type SessionIdentity struct {
	AccountID string `yaml:"account_id"`
	StartURL  string `yaml:"sso_start_url"`
	SSORegion string `yaml:"sso_region"`
	RoleName  string `yaml:"role_name"`
	Region    string `yaml:"region"`
}

// ProfileName is the AWS CLI profile name registered for this identity.
func (s SessionIdentity) ProfileName() string {
	return s.AccountID + "-" + s.RoleName
}

// EKSInstance is an immutable snapshot of an EKS cluster at discovery time.
type EKSInstance struct {
	Name                 string `yaml:"name"`
	Endpoint             string `yaml:"endpoint"`
	ARN                  string `yaml:"arn"`
	VpcID                string `yaml:"vpc_id"`
	CertificateAuthority string `yaml:"certificate_authority"`
}

// RDSInstance is an immutable snapshot of an RDS instance or cluster endpoint
// at discovery time.
type RDSInstance struct {
	Identifier string `yaml:"identifier"`
	Endpoint   string `yaml:"endpoint"`
	Port       int32  `yaml:"port"`
	VpcID      string `yaml:"vpc_id"`
}

// Bastion is a jump host discovered in one account/region, together with the
// EKS clusters and RDS endpoints that share its VPC.
type Bastion struct {
	Session      SessionIdentity `yaml:"session"`
	InstanceID   string          `yaml:"instance_id"`
	Name         string          `yaml:"name"`
	VpcID        string          `yaml:"vpc_id"`
	EKSInstances []EKSInstance   `yaml:"eks_instances"`
	RDSInstances []RDSInstance   `yaml:"rds_instances"`
}

// AddEKS attaches a cluster to the bastion.
func (b *Bastion) AddEKS(e EKSInstance) {
	b.EKSInstances = append(b.EKSInstances, e)
}

// AddRDS attaches a database endpoint to the bastion.
func (b *Bastion) AddRDS(r RDSInstance) {
	b.RDSInstances = append(b.RDSInstances, r)
}

func (b Bastion) String() string {
	return fmt.Sprintf("%s (id=%s, region=%s, vpc=%s)", b.Name, b.InstanceID, b.Session.Region, b.VpcID)
}
