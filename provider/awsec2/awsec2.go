// Package awsec2 provisions EC2 instances with the AWS SDK: key pair,
// security group, then the instance itself, with optional spot pricing and
// extra disks/network interfaces from the parsed host descriptor.
package awsec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-multierror"
	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/provider"
	"github.com/redhat-performance/zathras/util"
)

const defaultImage = "ami-026ebd4cfe2c043b2" // RHEL 9, us-east-1

// EBS volume type used when the host descriptor does not name one.
const defaultDiskType = "gp2"

// Spot failures that mean "try the next price tier", not "give up".
var spotErrorCodes = map[string]bool{
	"SpotMaxPriceTooLow":               true,
	"InsufficientInstanceCapacity":     true,
	"MaxSpotInstanceCountExceeded":     true,
	"SpotInstanceRequestLimitExceeded": true,
}

func init() {
	provider.Register(config.SystemTypeAWS, func(opts *config.Options) (provider.Provider, error) {
		return New(opts)
	})
}

type awsProvider struct {
	opts *config.Options
	ec2  *ec2.Client
}

func New(opts *config.Options) (*awsProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithEC2IMDSRegion())
	if err != nil {
		return nil, fmt.Errorf("can't load AWS config: %w", err)
	}
	return &awsProvider{opts: opts, ec2: ec2.NewFromConfig(cfg)}, nil
}

func (p *awsProvider) Name() string { return config.SystemTypeAWS }

func (p *awsProvider) Provision(ctx context.Context, req *provider.Request) (*provider.Resource, error) {
	res := &provider.Resource{Provider: p.Name(), SSHUser: p.opts.SSHUser}

	keyPair, err := p.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   aws.String(fmt.Sprintf("zathras-%s-%s", req.SystemName, util.Randstring(8))),
		KeyType:   ec2Types.KeyTypeEd25519,
		KeyFormat: ec2Types.KeyFormatPem,
	})
	if err != nil {
		return res, fmt.Errorf("can't create key pair: %w", err)
	}
	res.KeyName = *keyPair.KeyName
	res.SSHKeyMaterial = []byte(*keyPair.KeyMaterial)
	slog.Debug("created key pair", slog.String("name", res.KeyName))

	sg, err := p.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(fmt.Sprintf("zathras-%s-%s", req.SystemName, util.Randstring(8))),
		Description: aws.String("zathras test system"),
	})
	if err != nil {
		return res, fmt.Errorf("can't create security group: %w", err)
	}
	res.SecurityGroupID = *sg.GroupId
	slog.Debug("created security group", slog.String("ID", res.SecurityGroupID))

	_, err = p.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: sg.GroupId,
		IpPermissions: []ec2Types.IpPermission{
			{
				FromPort:   aws.Int32(22),
				IpProtocol: aws.String("tcp"),
				IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				ToPort:     aws.Int32(22),
			},
		},
	})
	if err != nil {
		return res, fmt.Errorf("can't open SSH ingress: %w", err)
	}

	input := p.runInstancesInput(req, res)
	instance, err := p.ec2.RunInstances(ctx, input)
	if err != nil {
		if req.SpotMaxPrice != "" && isSpotError(err) {
			return res, fmt.Errorf("%w: %s", provider.ErrSpotUnavailable, err.Error())
		}
		return res, fmt.Errorf("RunInstances failed: %w", err)
	}
	for _, ins := range instance.Instances {
		res.InstanceIDs = append(res.InstanceIDs, *ins.InstanceId)
	}
	slog.Debug("launched instance",
		slog.String("system", req.SystemName),
		slog.String("instanceID", res.InstanceIDs[0]),
		slog.String("spotMaxPrice", req.SpotMaxPrice),
	)

	ip, err := p.waitForPublicIP(ctx, res.InstanceIDs[0])
	if err != nil {
		return res, err
	}
	res.PublicIPs = append(res.PublicIPs, ip)

	priv, err := p.privateIP(ctx, res.InstanceIDs[0])
	if err == nil && priv != "" {
		res.PrivateIPs = append(res.PrivateIPs, priv)
	}
	return res, nil
}

func (p *awsProvider) runInstancesInput(req *provider.Request, res *provider.Resource) *ec2.RunInstancesInput {
	image := p.opts.Image
	if image == "" {
		image = defaultImage
	}

	input := &ec2.RunInstancesInput{
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		EbsOptimized: aws.Bool(true),
		ImageId:      aws.String(image),
		InstanceType: ec2Types.InstanceType(req.Host.InstanceType),
		KeyName:      aws.String(res.KeyName),
		TagSpecifications: []ec2Types.TagSpecification{{
			ResourceType: ec2Types.ResourceTypeInstance,
			Tags: []ec2Types.Tag{
				{Key: aws.String("Name"), Value: aws.String("zathras-" + req.SystemName)},
			},
		}},
	}

	if req.Host.Zone != "" {
		input.Placement = &ec2Types.Placement{AvailabilityZone: aws.String(req.Host.Zone)}
	}

	if req.SpotMaxPrice != "" {
		input.InstanceMarketOptions = &ec2Types.InstanceMarketOptionsRequest{
			MarketType: ec2Types.MarketTypeSpot,
			SpotOptions: &ec2Types.SpotMarketOptions{
				MaxPrice:         aws.String(req.SpotMaxPrice),
				SpotInstanceType: ec2Types.SpotInstanceTypeOneTime,
			},
		}
	}

	// extra disks beyond the root volume, one device letter per disk
	device := 'b'
	for _, disk := range req.Host.Disks {
		diskType := disk.Type
		if diskType == "" {
			diskType = defaultDiskType
		}
		for i := 0; i < disk.Count; i++ {
			ebs := &ec2Types.EbsBlockDevice{
				VolumeSize:          aws.Int32(int32(disk.SizeGB)),
				VolumeType:          ec2Types.VolumeType(diskType),
				DeleteOnTermination: aws.Bool(true),
			}
			if disk.Iops > 0 {
				ebs.Iops = aws.Int32(int32(disk.Iops))
			}
			if disk.Throughput > 0 {
				ebs.Throughput = aws.Int32(int32(disk.Throughput))
			}
			input.BlockDeviceMappings = append(input.BlockDeviceMappings, ec2Types.BlockDeviceMapping{
				DeviceName: aws.String(fmt.Sprintf("/dev/sd%c", device)),
				Ebs:        ebs,
			})
			device++
		}
	}

	nics := 0
	for _, nw := range req.Host.Networks {
		nics += nw.Count
	}
	if nics == 0 {
		nics = 1
	}
	for i := 0; i < nics; i++ {
		nic := ec2Types.InstanceNetworkInterfaceSpecification{
			DeviceIndex:         aws.Int32(int32(i)),
			Groups:              []string{res.SecurityGroupID},
			DeleteOnTermination: aws.Bool(true),
		}
		if i == 0 {
			nic.AssociatePublicIpAddress = aws.Bool(true)
		}
		input.NetworkInterfaces = append(input.NetworkInterfaces, nic)
	}
	return input
}

func (p *awsProvider) waitForPublicIP(ctx context.Context, instanceID string) (string, error) {
	for i := 0; i < 10; i++ {
		resp, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			return "", err
		}
		ip := resp.Reservations[0].Instances[0].PublicIpAddress
		if ip != nil {
			return *ip, nil
		}
		time.Sleep(3 * time.Second)
	}
	return "", fmt.Errorf("failed to get instance %s IP", instanceID)
}

func (p *awsProvider) privateIP(ctx context.Context, instanceID string) (string, error) {
	resp, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", err
	}
	ip := resp.Reservations[0].Instances[0].PrivateIpAddress
	if ip == nil {
		return "", nil
	}
	return *ip, nil
}

// instanceDescriber is the slice of the EC2 API the eviction check needs.
type instanceDescriber interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// InstanceGone reports whether the instance has been reclaimed or
// terminated underneath the run. Used for spot mid-run eviction detection.
func (p *awsProvider) InstanceGone(ctx context.Context, res *provider.Resource) bool {
	return instanceGone(ctx, p.ec2, res.InstanceIDs)
}

func instanceGone(ctx context.Context, api instanceDescriber, instanceIDs []string) bool {
	if len(instanceIDs) == 0 {
		return false
	}
	resp, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: instanceIDs,
	})
	if err != nil {
		// EC2 garbage-collects reclaimed spot instances; NotFound means the
		// instance is gone, not that the check failed.
		var apiErr smithy.APIError
		return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
	}
	if len(resp.Reservations) == 0 || len(resp.Reservations[0].Instances) == 0 {
		return true
	}
	state := resp.Reservations[0].Instances[0].State.Name
	return state == ec2Types.InstanceStateNameTerminated || state == ec2Types.InstanceStateNameStopped
}

func (p *awsProvider) Destroy(ctx context.Context, res *provider.Resource) error {
	var errs *multierror.Error

	if len(res.InstanceIDs) > 0 {
		_, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: res.InstanceIDs,
		})
		if err != nil {
			slog.Error("TerminateInstances failed", slog.String("error", err.Error()))
			errs = multierror.Append(errs, err)
		} else {
			// Wait for termination, otherwise the security group delete fails
			for i := 0; i < 10; i++ {
				resp, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
					InstanceIds: res.InstanceIDs,
				})
				if err == nil && len(resp.Reservations) > 0 &&
					resp.Reservations[0].Instances[0].State.Name == ec2Types.InstanceStateNameTerminated {
					break
				}
				slog.Debug("waiting for instance to finish terminating")
				time.Sleep(30 * time.Second)
			}
			slog.Debug("terminated instances", slog.String("first", res.InstanceIDs[0]))
		}
	}

	if res.SecurityGroupID != "" {
		_, err := p.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: aws.String(res.SecurityGroupID),
		})
		if err != nil {
			slog.Error("DeleteSecurityGroup failed", slog.String("error", err.Error()))
			errs = multierror.Append(errs, err)
		}
	}

	if res.KeyName != "" {
		_, err := p.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
			KeyName: aws.String(res.KeyName),
		})
		if err != nil {
			slog.Error("DeleteKeyPair failed", slog.String("error", err.Error()))
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

func isSpotError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return spotErrorCodes[apiErr.ErrorCode()]
	}
	return false
}
