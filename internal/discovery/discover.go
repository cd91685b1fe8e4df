package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/entitleio/beam/internal/awsauth"
	"github.com/entitleio/beam/internal/model"
)

const statusAvailable = "available"

// EKSAPI is the slice of the EKS API used by discovery.
type EKSAPI interface {
	eks.ListClustersAPIClient
	DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
}

// RDSAPI is the slice of the RDS API used by discovery.
type RDSAPI interface {
	rds.DescribeDBInstancesAPIClient
	rds.DescribeDBClustersAPIClient
	DescribeDBSubnetGroups(ctx context.Context, params *rds.DescribeDBSubnetGroupsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBSubnetGroupsOutput, error)
}

// EC2API is the slice of the EC2 API used by discovery.
type EC2API interface {
	ec2.DescribeInstancesAPIClient
}

// Filters carries the configured resource selection for one discovery run.
type Filters struct {
	BastionNameGlob string
	BastionTags     map[string]string
	EKSEnabled      bool
	EKSTags         map[string]string
	RDSEnabled      bool
	RDSTags         map[string]string
}

// Discoverer enumerates one account/region at a time. The client factories are
// replaceable so tests can plug in fakes.
type Discoverer struct {
	log    *zap.Logger
	newEKS func(aws.Config) EKSAPI
	newRDS func(aws.Config) RDSAPI
	newEC2 func(aws.Config) EC2API
}

// NewDiscoverer builds a Discoverer with real AWS service clients.
func NewDiscoverer(logger *zap.Logger) *Discoverer {
	return &Discoverer{
		log:    logger,
		newEKS: func(cfg aws.Config) EKSAPI { return eks.NewFromConfig(cfg) },
		newRDS: func(cfg aws.Config) RDSAPI { return rds.NewFromConfig(cfg) },
		newEC2: func(cfg aws.Config) EC2API { return ec2.NewFromConfig(cfg) },
	}
}

// DiscoverRegion runs the full discovery for the session's account/region:
// EKS clusters, RDS endpoints, bastion instances, then VPC association. An EKS
// or RDS listing failure aborts the region; a bastion listing failure yields
// zero bastions and is non-fatal.
func (d *Discoverer) DiscoverRegion(ctx context.Context, session *awsauth.Session, filters Filters) ([]model.Bastion, error) {
	cfg, err := session.Config(ctx)
	if err != nil {
		return nil, err
	}

	log := d.log.With(
		zap.String("account", session.Identity.AccountID),
		zap.String("region", session.Identity.Region))
	log.Info("discovering region")

	var clusters []model.EKSInstance
	if filters.EKSEnabled {
		if clusters, err = d.eksClusters(ctx, d.newEKS(cfg), filters.EKSTags, log); err != nil {
			return nil, err
		}
		log.Debug("EKS clusters discovered", zap.Int("count", len(clusters)))
	}

	var databases []model.RDSInstance
	if filters.RDSEnabled {
		if databases, err = d.rdsEndpoints(ctx, d.newRDS(cfg), filters.RDSTags, log); err != nil {
			return nil, err
		}
		log.Debug("RDS endpoints discovered", zap.Int("count", len(databases)))
	}

	bastions := d.bastions(ctx, d.newEC2(cfg), session.Identity, filters, log)
	if len(bastions) == 0 {
		log.Debug("no bastions in region, skipping association")
		return nil, nil
	}

	associate(bastions, clusters, databases)
	return bastions, nil
}

// associate attaches every cluster/database to every bastion sharing its VPC.
// Nothing smarter than the nested comparison is needed at this scale.
func associate(bastions []model.Bastion, clusters []model.EKSInstance, databases []model.RDSInstance) {
	for i := range bastions {
		for _, c := range clusters {
			if c.VpcID == bastions[i].VpcID {
				bastions[i].AddEKS(c)
			}
		}
		for _, r := range databases {
			if r.VpcID == bastions[i].VpcID {
				bastions[i].AddRDS(r)
			}
		}
	}
}

func (d *Discoverer) eksClusters(ctx context.Context, client EKSAPI, tags map[string]string, log *zap.Logger) ([]model.EKSInstance, error) {
	var names []string
	p := eks.NewListClustersPaginator(client, &eks.ListClustersInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list EKS clusters: %w", err)
		}
		names = append(names, page.Clusters...)
	}

	var out []model.EKSInstance
	for _, name := range names {
		resp, err := client.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
		if err != nil {
			// the cluster may have been deleted mid-scan
			if isClusterGone(err) {
				log.Warn("skipping EKS cluster", zap.String("cluster", name), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("describe EKS cluster %s: %w", name, err)
		}

		cluster := resp.Cluster
		if !MatchTags(cluster.Tags, tags) {
			continue
		}

		inst := model.EKSInstance{
			Name:     aws.ToString(cluster.Name),
			Endpoint: aws.ToString(cluster.Endpoint),
			ARN:      aws.ToString(cluster.Arn),
		}
		if cluster.ResourcesVpcConfig != nil {
			inst.VpcID = aws.ToString(cluster.ResourcesVpcConfig.VpcId)
		}
		if cluster.CertificateAuthority != nil {
			inst.CertificateAuthority = aws.ToString(cluster.CertificateAuthority.Data)
		}
		out = append(out, inst)
	}
	return out, nil
}

func isClusterGone(err error) bool {
	var notFound *ekstypes.ResourceNotFoundException
	var invalid *ekstypes.InvalidParameterException
	if errors.As(err, &notFound) || errors.As(err, &invalid) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "ResourceNotFoundException" || code == "InvalidParameterException"
	}
	return false
}

func (d *Discoverer) rdsEndpoints(ctx context.Context, client RDSAPI, tags map[string]string, log *zap.Logger) ([]model.RDSInstance, error) {
	nameGlob := tags["Name"]
	rest := make(map[string]string, len(tags))
	for k, v := range tags {
		if k != "Name" {
			rest[k] = v
		}
	}

	var out []model.RDSInstance

	ip := rds.NewDescribeDBInstancesPaginator(client, &rds.DescribeDBInstancesInput{})
	for ip.HasMorePages() {
		page, err := ip.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list RDS instances: %w", err)
		}
		for _, db := range page.DBInstances {
			if aws.ToString(db.DBInstanceStatus) != statusAvailable {
				continue
			}
			id := aws.ToString(db.DBInstanceIdentifier)
			if nameGlob != "" && !matchGlob(nameGlob, id) {
				continue
			}
			if !MatchTagList(rdsTagPairs(db.TagList), rest) {
				continue
			}
			if db.Endpoint == nil {
				continue
			}
			inst := model.RDSInstance{
				Identifier: id,
				Endpoint:   aws.ToString(db.Endpoint.Address),
				Port:       aws.ToInt32(db.Endpoint.Port),
			}
			if db.DBSubnetGroup != nil {
				inst.VpcID = aws.ToString(db.DBSubnetGroup.VpcId)
			}
			out = append(out, inst)
		}
	}

	cp := rds.NewDescribeDBClustersPaginator(client, &rds.DescribeDBClustersInput{})
	for cp.HasMorePages() {
		page, err := cp.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list RDS clusters: %w", err)
		}
		for _, dbc := range page.DBClusters {
			if aws.ToString(dbc.Status) != statusAvailable {
				continue
			}
			id := aws.ToString(dbc.DBClusterIdentifier)
			if nameGlob != "" && !matchGlob(nameGlob, id) {
				continue
			}
			if !MatchTagList(rdsTagPairs(dbc.TagList), rest) {
				continue
			}
			out = append(out, model.RDSInstance{
				Identifier: id,
				Endpoint:   aws.ToString(dbc.Endpoint),
				Port:       aws.ToInt32(dbc.Port),
				VpcID:      d.clusterVpcID(ctx, client, aws.ToString(dbc.DBSubnetGroup), log),
			})
		}
	}

	return out, nil
}

// clusterVpcID resolves a DB cluster's VPC through its subnet group. The
// cluster API exposes only the group name, not the VPC itself.
func (d *Discoverer) clusterVpcID(ctx context.Context, client RDSAPI, groupName string, log *zap.Logger) string {
	if groupName == "" {
		return ""
	}
	resp, err := client.DescribeDBSubnetGroups(ctx, &rds.DescribeDBSubnetGroupsInput{
		DBSubnetGroupName: aws.String(groupName),
	})
	if err != nil || len(resp.DBSubnetGroups) == 0 {
		log.Warn("could not resolve DB subnet group", zap.String("group", groupName), zap.Error(err))
		return ""
	}
	return aws.ToString(resp.DBSubnetGroups[0].VpcId)
}

// bastions lists running instances matching the configured bastion tags. A
// listing error is logged and yields zero bastions so sibling regions keep
// running.
func (d *Discoverer) bastions(ctx context.Context, client EC2API, id model.SessionIdentity, filters Filters, log *zap.Logger) []model.Bastion {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	}
	for key, value := range filters.BastionTags {
		input.Filters = append(input.Filters, ec2types.Filter{
			Name:   aws.String("tag:" + key),
			Values: []string{value},
		})
	}

	var out []model.Bastion
	p := ec2.NewDescribeInstancesPaginator(client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			log.Error("could not list bastion instances", zap.Error(err))
			return nil
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				tags := make(map[string]string, len(inst.Tags))
				for _, t := range inst.Tags {
					tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
				}
				name := tags["Name"]
				if !matchGlob(filters.BastionNameGlob, name) {
					continue
				}
				log.Debug("bastion matched",
					zap.String("instance", aws.ToString(inst.InstanceId)),
					zap.String("name", name))
				out = append(out, model.Bastion{
					Session:    id,
					InstanceID: aws.ToString(inst.InstanceId),
					Name:       name,
					VpcID:      aws.ToString(inst.VpcId),
				})
			}
		}
	}
	return out
}

func rdsTagPairs(tags []rdstypes.Tag) []TagPair {
	out := make([]TagPair, 0, len(tags))
	for _, t := range tags {
		out = append(out, TagPair{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	return out
}
