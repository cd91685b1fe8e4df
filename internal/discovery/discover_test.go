package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"go.uber.org/zap"

	"github.com/entitleio/beam/internal/awsauth"
	"github.com/entitleio/beam/internal/model"
)

type staticSource struct{}

func (staticSource) RoleCredentials(context.Context, string, string) (aws.Credentials, error) {
	return aws.Credentials{AccessKeyID: "AKIATEST", SecretAccessKey: "secret"}, nil
}

func testSession() *awsauth.Session {
	return awsauth.NewSession(model.SessionIdentity{
		AccountID: "111111111111",
		StartURL:  "https://example.awsapps.com/start",
		SSORegion: "us-east-1",
		RoleName:  "Admin",
		Region:    "us-east-1",
	}, staticSource{})
}

type fakeEKS struct {
	names       []string
	clusters    map[string]ekstypes.Cluster
	describeErr map[string]error
}

func (f *fakeEKS) ListClusters(context.Context, *eks.ListClustersInput, ...func(*eks.Options)) (*eks.ListClustersOutput, error) {
	return &eks.ListClustersOutput{Clusters: f.names}, nil
}

func (f *fakeEKS) DescribeCluster(_ context.Context, in *eks.DescribeClusterInput, _ ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	name := aws.ToString(in.Name)
	if err, ok := f.describeErr[name]; ok {
		return nil, err
	}
	c, ok := f.clusters[name]
	if !ok {
		return nil, &ekstypes.ResourceNotFoundException{Message: aws.String("no such cluster")}
	}
	return &eks.DescribeClusterOutput{Cluster: &c}, nil
}

type fakeRDS struct {
	instances []rdstypes.DBInstance
	clusters  []rdstypes.DBCluster
	groups    map[string]string // subnet group name -> vpc id
	listErr   error
}

func (f *fakeRDS) DescribeDBInstances(context.Context, *rds.DescribeDBInstancesInput, ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &rds.DescribeDBInstancesOutput{DBInstances: f.instances}, nil
}

func (f *fakeRDS) DescribeDBClusters(context.Context, *rds.DescribeDBClustersInput, ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &rds.DescribeDBClustersOutput{DBClusters: f.clusters}, nil
}

func (f *fakeRDS) DescribeDBSubnetGroups(_ context.Context, in *rds.DescribeDBSubnetGroupsInput, _ ...func(*rds.Options)) (*rds.DescribeDBSubnetGroupsOutput, error) {
	vpc, ok := f.groups[aws.ToString(in.DBSubnetGroupName)]
	if !ok {
		return nil, errors.New("subnet group not found")
	}
	return &rds.DescribeDBSubnetGroupsOutput{DBSubnetGroups: []rdstypes.DBSubnetGroup{{VpcId: aws.String(vpc)}}}, nil
}

type fakeEC2 struct {
	instances []ec2types.Instance
	err       error
}

func (f *fakeEC2) DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: f.instances}},
	}, nil
}

func newTestDiscoverer(e *fakeEKS, r *fakeRDS, c *fakeEC2) *Discoverer {
	return &Discoverer{
		log:    zap.NewNop(),
		newEKS: func(aws.Config) EKSAPI { return e },
		newRDS: func(aws.Config) RDSAPI { return r },
		newEC2: func(aws.Config) EC2API { return c },
	}
}

func eksCluster(name, vpc string) ekstypes.Cluster {
	return ekstypes.Cluster{
		Name:                 aws.String(name),
		Arn:                  aws.String("arn:aws:eks:us-east-1:111111111111:cluster/" + name),
		Endpoint:             aws.String("https://" + name + ".eks.amazonaws.com"),
		Tags:                 map[string]string{"Name": name},
		ResourcesVpcConfig:   &ekstypes.VpcConfigResponse{VpcId: aws.String(vpc)},
		CertificateAuthority: &ekstypes.Certificate{Data: aws.String("Q0EtZGF0YQ==")},
	}
}

func bastionInstance(id, name, vpc string) ec2types.Instance {
	return ec2types.Instance{
		InstanceId: aws.String(id),
		VpcId:      aws.String(vpc),
		Tags:       []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}},
	}
}

func defaultFilters() Filters {
	return Filters{
		BastionNameGlob: "*bastion*",
		EKSEnabled:      true,
		RDSEnabled:      true,
	}
}

func TestDiscoverRegionEndToEnd(t *testing.T) {
	e := &fakeEKS{
		names:    []string{"prod-eks"},
		clusters: map[string]ekstypes.Cluster{"prod-eks": eksCluster("prod-eks", "vpc-abc")},
	}
	r := &fakeRDS{
		instances: []rdstypes.DBInstance{{
			DBInstanceIdentifier: aws.String("orders-db"),
			DBInstanceStatus:     aws.String("available"),
			Endpoint:             &rdstypes.Endpoint{Address: aws.String("orders-db.rds.amazonaws.com"), Port: aws.Int32(5432)},
			DBSubnetGroup:        &rdstypes.DBSubnetGroup{VpcId: aws.String("vpc-xyz")},
		}},
	}
	c := &fakeEC2{instances: []ec2types.Instance{bastionInstance("i-0123456789abcdef0", "prod-bastion", "vpc-abc")}}

	bastions, err := newTestDiscoverer(e, r, c).DiscoverRegion(context.Background(), testSession(), defaultFilters())
	if err != nil {
		t.Fatal(err)
	}
	if len(bastions) != 1 {
		t.Fatalf("got %d bastions, want 1", len(bastions))
	}

	b := bastions[0]
	if b.Name != "prod-bastion" || b.VpcID != "vpc-abc" {
		t.Fatalf("unexpected bastion: %+v", b)
	}
	if len(b.EKSInstances) != 1 || b.EKSInstances[0].Name != "prod-eks" {
		t.Fatalf("EKS cluster in same VPC not attached: %+v", b.EKSInstances)
	}
	if len(b.RDSInstances) != 0 {
		t.Fatalf("RDS instance in other VPC must not attach: %+v", b.RDSInstances)
	}
}

func TestDiscoverRegionSkipsDeletedCluster(t *testing.T) {
	e := &fakeEKS{
		names: []string{"a", "gone", "c"},
		clusters: map[string]ekstypes.Cluster{
			"a": eksCluster("a", "vpc-abc"),
			"c": eksCluster("c", "vpc-abc"),
		},
		describeErr: map[string]error{
			"gone": &ekstypes.ResourceNotFoundException{Message: aws.String("deleted mid-scan")},
		},
	}
	c := &fakeEC2{instances: []ec2types.Instance{bastionInstance("i-1", "dev-bastion", "vpc-abc")}}

	bastions, err := newTestDiscoverer(e, &fakeRDS{}, c).DiscoverRegion(context.Background(), testSession(), defaultFilters())
	if err != nil {
		t.Fatal(err)
	}
	if len(bastions) != 1 || len(bastions[0].EKSInstances) != 2 {
		t.Fatalf("expected 2 surviving clusters, got %+v", bastions)
	}
}

func TestDiscoverRegionAbortsOnDescribeError(t *testing.T) {
	e := &fakeEKS{
		names:       []string{"a"},
		describeErr: map[string]error{"a": errors.New("throttled")},
	}

	_, err := newTestDiscoverer(e, &fakeRDS{}, &fakeEC2{}).DiscoverRegion(context.Background(), testSession(), defaultFilters())
	if err == nil {
		t.Fatal("generic describe error must abort the region")
	}
}

func TestDiscoverRegionBastionListErrorNonFatal(t *testing.T) {
	c := &fakeEC2{err: errors.New("unauthorized")}

	bastions, err := newTestDiscoverer(&fakeEKS{}, &fakeRDS{}, c).DiscoverRegion(context.Background(), testSession(), defaultFilters())
	if err != nil {
		t.Fatalf("bastion listing failure must not be fatal: %v", err)
	}
	if len(bastions) != 0 {
		t.Fatalf("got %d bastions, want 0", len(bastions))
	}
}

func TestDiscoverRegionFiltersRDS(t *testing.T) {
	r := &fakeRDS{
		instances: []rdstypes.DBInstance{
			{
				DBInstanceIdentifier: aws.String("orders-db"),
				DBInstanceStatus:     aws.String("available"),
				Endpoint:             &rdstypes.Endpoint{Address: aws.String("orders.rds"), Port: aws.Int32(5432)},
				DBSubnetGroup:        &rdstypes.DBSubnetGroup{VpcId: aws.String("vpc-abc")},
				TagList:              []rdstypes.Tag{{Key: aws.String("Team"), Value: aws.String("payments")}},
			},
			{
				DBInstanceIdentifier: aws.String("stopped-db"),
				DBInstanceStatus:     aws.String("stopped"),
				Endpoint:             &rdstypes.Endpoint{Address: aws.String("stopped.rds"), Port: aws.Int32(5432)},
			},
			{
				DBInstanceIdentifier: aws.String("other-db"),
				DBInstanceStatus:     aws.String("available"),
				Endpoint:             &rdstypes.Endpoint{Address: aws.String("other.rds"), Port: aws.Int32(5432)},
				DBSubnetGroup:        &rdstypes.DBSubnetGroup{VpcId: aws.String("vpc-abc")},
			},
		},
		clusters: []rdstypes.DBCluster{{
			DBClusterIdentifier: aws.String("orders-aurora"),
			Status:              aws.String("available"),
			Endpoint:            aws.String("orders-aurora.cluster.rds"),
			Port:                aws.Int32(5432),
			DBSubnetGroup:       aws.String("orders-group"),
		}},
		groups: map[string]string{"orders-group": "vpc-abc"},
	}
	c := &fakeEC2{instances: []ec2types.Instance{bastionInstance("i-1", "prod-bastion", "vpc-abc")}}

	filters := defaultFilters()
	filters.EKSEnabled = false
	filters.RDSTags = map[string]string{"Name": "orders*"}

	bastions, err := newTestDiscoverer(&fakeEKS{}, r, c).DiscoverRegion(context.Background(), testSession(), filters)
	if err != nil {
		t.Fatal(err)
	}
	if len(bastions) != 1 {
		t.Fatalf("got %d bastions", len(bastions))
	}

	got := make(map[string]string)
	for _, db := range bastions[0].RDSInstances {
		got[db.Identifier] = db.VpcID
	}
	if len(got) != 2 {
		t.Fatalf("attached databases = %v, want orders-db and orders-aurora", got)
	}
	if got["orders-db"] != "vpc-abc" {
		t.Fatalf("orders-db missing or wrong vpc: %v", got)
	}
	if got["orders-aurora"] != "vpc-abc" {
		t.Fatalf("cluster VPC not resolved through subnet group: %v", got)
	}
}

func TestAssociateByVPC(t *testing.T) {
	bastions := []model.Bastion{
		{Name: "b1", VpcID: "v1"},
		{Name: "b2", VpcID: "v2"},
	}
	clusters := []model.EKSInstance{{Name: "r1", VpcID: "v1"}}
	databases := []model.RDSInstance{
		{Identifier: "r2", VpcID: "v2"},
		{Identifier: "r3", VpcID: "v3"},
	}

	associate(bastions, clusters, databases)

	if len(bastions[0].EKSInstances) != 1 || bastions[0].EKSInstances[0].Name != "r1" {
		t.Fatalf("b1 associations: %+v", bastions[0])
	}
	if len(bastions[0].RDSInstances) != 0 {
		t.Fatalf("b1 must have no databases: %+v", bastions[0].RDSInstances)
	}
	if len(bastions[1].RDSInstances) != 1 || bastions[1].RDSInstances[0].Identifier != "r2" {
		t.Fatalf("b2 associations: %+v", bastions[1])
	}
	if len(bastions[1].EKSInstances) != 0 {
		t.Fatalf("b2 must have no clusters: %+v", bastions[1].EKSInstances)
	}
}
