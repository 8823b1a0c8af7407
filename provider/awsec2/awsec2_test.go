package awsec2

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/hostspec"
	"github.com/redhat-performance/zathras/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDescriber struct {
	resp *ec2.DescribeInstancesOutput
	err  error
}

func (f *fakeDescriber) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return f.resp, f.err
}

func describeWithState(state ec2Types.InstanceStateName) *ec2.DescribeInstancesOutput {
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2Types.Reservation{{
			Instances: []ec2Types.Instance{{
				State: &ec2Types.InstanceState{Name: state},
			}},
		}},
	}
}

func TestInstanceGoneByState(t *testing.T) {
	ids := []string{"i-123"}
	ctx := context.Background()

	api := &fakeDescriber{resp: describeWithState(ec2Types.InstanceStateNameRunning)}
	assert.False(t, instanceGone(ctx, api, ids))

	api = &fakeDescriber{resp: describeWithState(ec2Types.InstanceStateNameTerminated)}
	assert.True(t, instanceGone(ctx, api, ids))

	api = &fakeDescriber{resp: describeWithState(ec2Types.InstanceStateNameStopped)}
	assert.True(t, instanceGone(ctx, api, ids))
}

func TestInstanceGoneWhenAlreadyGarbageCollected(t *testing.T) {
	ids := []string{"i-123"}
	ctx := context.Background()

	// EC2 forgets reclaimed spot instances entirely after a while
	api := &fakeDescriber{err: &smithy.GenericAPIError{
		Code:    "InvalidInstanceID.NotFound",
		Message: "The instance ID 'i-123' does not exist",
	}}
	assert.True(t, instanceGone(ctx, api, ids))

	api = &fakeDescriber{resp: &ec2.DescribeInstancesOutput{}}
	assert.True(t, instanceGone(ctx, api, ids))
}

func TestInstanceNotGoneOnOtherErrors(t *testing.T) {
	ctx := context.Background()

	api := &fakeDescriber{err: errors.New("connection reset")}
	assert.False(t, instanceGone(ctx, api, []string{"i-123"}))

	api = &fakeDescriber{err: &smithy.GenericAPIError{Code: "RequestLimitExceeded"}}
	assert.False(t, instanceGone(ctx, api, []string{"i-123"}))

	assert.False(t, instanceGone(ctx, api, nil))
}

func TestRunInstancesInputDefaultsDiskType(t *testing.T) {
	p := &awsProvider{opts: &config.Options{}}
	req := &provider.Request{
		SystemName: "system1",
		Host: &hostspec.HostDescriptor{
			InstanceType: "m5.xlarge",
			Disks:        []hostspec.DiskSpec{{Count: 2, SizeGB: 100}},
		},
	}
	res := &provider.Resource{KeyName: "key", SecurityGroupID: "sg-1"}

	input := p.runInstancesInput(req, res)
	require.Len(t, input.BlockDeviceMappings, 2)
	assert.Equal(t, ec2Types.VolumeTypeGp2, input.BlockDeviceMappings[0].Ebs.VolumeType)
	assert.Equal(t, ec2Types.VolumeTypeGp2, input.BlockDeviceMappings[1].Ebs.VolumeType)
}

func TestRunInstancesInputKeepsRequestedDiskType(t *testing.T) {
	p := &awsProvider{opts: &config.Options{}}
	req := &provider.Request{
		SystemName: "system1",
		Host: &hostspec.HostDescriptor{
			InstanceType: "m5.xlarge",
			Disks:        []hostspec.DiskSpec{{Count: 1, SizeGB: 100, Type: "io2", Iops: 4000}},
		},
	}
	res := &provider.Resource{KeyName: "key", SecurityGroupID: "sg-1"}

	input := p.runInstancesInput(req, res)
	require.Len(t, input.BlockDeviceMappings, 1)
	ebs := input.BlockDeviceMappings[0].Ebs
	assert.Equal(t, ec2Types.VolumeType("io2"), ebs.VolumeType)
	assert.Equal(t, int32(4000), *ebs.Iops)
}
