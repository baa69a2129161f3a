package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/cochaviz/imagecheck/internal/logging"
)

// EC2API is the subset of the EC2 client the publisher uses.
type EC2API interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeImageAttribute(ctx context.Context, params *ec2.DescribeImageAttributeInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImageAttributeOutput, error)
	ModifyImageAttribute(ctx context.Context, params *ec2.ModifyImageAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyImageAttributeOutput, error)
	ModifySnapshotAttribute(ctx context.Context, params *ec2.ModifySnapshotAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifySnapshotAttributeOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeregisterImage(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
	DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
}

var _ EC2API = (*ec2.Client)(nil)

// Publisher shares, tags and removes images produced by a compose.
type Publisher struct {
	EC2    EC2API
	Logger *slog.Logger
}

// NewPublisher builds a Publisher from the default AWS credential chain.
func NewPublisher(ctx context.Context, region string, logger *slog.Logger) (*Publisher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region = strings.TrimSpace(region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}
	return &Publisher{
		EC2:    ec2.NewFromConfig(cfg),
		Logger: logger,
	}, nil
}

func (p *Publisher) logger() *slog.Logger {
	return logging.Ensure(p.Logger)
}

func (p *Publisher) client() (EC2API, error) {
	if p == nil || p.EC2 == nil {
		return nil, errors.New("ec2 client is not configured")
	}
	return p.EC2, nil
}

// DescribeImage looks up images owned by the caller under name and returns
// the describe-images document as JSON.
func (p *Publisher) DescribeImage(ctx context.Context, name string) ([]byte, error) {
	client, err := p.client()
	if err != nil {
		return nil, err
	}
	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
		Filters: []types.Filter{
			{
				Name:   aws.String("name"),
				Values: []string{name},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe image %s: %w", name, err)
	}
	doc := struct {
		Images []types.Image `json:"Images"`
	}{Images: out.Images}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode image %s: %w", name, err)
	}
	return payload, nil
}

// ShareImage grants account launch permission on the image and create-volume
// permission on its snapshot.
func (p *Publisher) ShareImage(ctx context.Context, imageID, snapshotID, account string) error {
	client, err := p.client()
	if err != nil {
		return err
	}
	if strings.TrimSpace(account) == "" {
		return errors.New("share account is required")
	}

	_, err = client.ModifyImageAttribute(ctx, &ec2.ModifyImageAttributeInput{
		ImageId: aws.String(imageID),
		LaunchPermission: &types.LaunchPermissionModifications{
			Add: []types.LaunchPermission{{UserId: aws.String(account)}},
		},
	})
	if err != nil {
		return fmt.Errorf("share image %s: %w", imageID, err)
	}

	if snapshotID != "" {
		_, err = client.ModifySnapshotAttribute(ctx, &ec2.ModifySnapshotAttributeInput{
			SnapshotId: aws.String(snapshotID),
			Attribute:  types.SnapshotAttributeNameCreateVolumePermission,
			CreateVolumePermission: &types.CreateVolumePermissionModifications{
				Add: []types.CreateVolumePermission{{UserId: aws.String(account)}},
			},
		})
		if err != nil {
			return fmt.Errorf("share snapshot %s: %w", snapshotID, err)
		}
	}

	p.logger().Info("image shared", "image_id", imageID, "snapshot_id", snapshotID, "account", account)
	return nil
}

// VerifyShare checks that account appears in the image's launch permissions.
func (p *Publisher) VerifyShare(ctx context.Context, imageID, account string) error {
	client, err := p.client()
	if err != nil {
		return err
	}
	out, err := client.DescribeImageAttribute(ctx, &ec2.DescribeImageAttributeInput{
		ImageId:   aws.String(imageID),
		Attribute: types.ImageAttributeNameLaunchPermission,
	})
	if err != nil {
		return fmt.Errorf("describe launch permissions of %s: %w", imageID, err)
	}
	for _, permission := range out.LaunchPermissions {
		if aws.ToString(permission.UserId) == account {
			return nil
		}
	}
	return fmt.Errorf("image %s is not shared with account %s", imageID, account)
}

// TagResources applies tags to every resource id. Tags are sent sorted by key.
func (p *Publisher) TagResources(ctx context.Context, resourceIDs []string, tags map[string]string) error {
	client, err := p.client()
	if err != nil {
		return err
	}
	if len(resourceIDs) == 0 || len(tags) == 0 {
		return nil
	}

	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	ec2Tags := make([]types.Tag, 0, len(keys))
	for _, key := range keys {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(key), Value: aws.String(tags[key])})
	}

	if _, err := client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: append([]string(nil), resourceIDs...),
		Tags:      ec2Tags,
	}); err != nil {
		return fmt.Errorf("tag %s: %w", strings.Join(resourceIDs, ", "), err)
	}
	return nil
}

// DeregisterImage removes the image. An image that no longer exists counts
// as removed.
func (p *Publisher) DeregisterImage(ctx context.Context, imageID string) error {
	client, err := p.client()
	if err != nil {
		return err
	}
	_, err = client.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: aws.String(imageID)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deregister image %s: %w", imageID, err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot. A snapshot that no longer exists
// counts as removed.
func (p *Publisher) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	client, err := p.client()
	if err != nil {
		return err
	}
	_, err = client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snapshotID)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete snapshot %s: %w", snapshotID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "InvalidAMIID.NotFound", "InvalidAMIID.Unavailable", "InvalidSnapshot.NotFound":
		return true
	default:
		return false
	}
}
