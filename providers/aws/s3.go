package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/terrane-io/terrane/internal/provider"
)

type bucketConfig struct {
	Bucket  string            `json:"bucket"`
	Website *websiteConfig    `json:"website"`
	Tags    map[string]string `json:"tags"`
}

type websiteConfig struct {
	IndexDocument         string `json:"index_document"`
	ErrorDocument         string `json:"error_document"`
	RedirectAllRequestsTo string `json:"redirect_all_requests_to"`
}

type redirectObjectConfig struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Target string `json:"target"`
}

func (p *Provider) applyBucket(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var desired bucketConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired: %w", err)
	}

	input := &s3.CreateBucketInput{Bucket: &desired.Bucket}
	if p.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(p.region),
		}
	}

	_, err := p.s3Client.CreateBucket(ctx, input)
	if err != nil {
		var ae smithy.APIError
		// Creating a bucket we already own is idempotent.
		if !errors.As(err, &ae) || ae.ErrorCode() != "BucketAlreadyOwnedByYou" {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	if desired.Website != nil {
		if err := p.putWebsite(ctx, desired.Bucket, desired.Website); err != nil {
			return nil, err
		}
	}

	outputs := map[string]any{
		"id":                          desired.Bucket,
		"arn":                         fmt.Sprintf("arn:aws:s3:::%s", desired.Bucket),
		"bucket_regional_domain_name": fmt.Sprintf("%s.s3.%s.amazonaws.com", desired.Bucket, p.region),
	}
	if desired.Website != nil {
		outputs["website_endpoint"] = fmt.Sprintf("%s.s3-website-%s.amazonaws.com", desired.Bucket, p.region)
	}

	data, _ := json.Marshal(outputs)
	return &provider.ApplyResponse{Outputs: data}, nil
}

func (p *Provider) putWebsite(ctx context.Context, bucket string, cfg *websiteConfig) error {
	website := &types.WebsiteConfiguration{}
	switch {
	case cfg.RedirectAllRequestsTo != "":
		website.RedirectAllRequestsTo = &types.RedirectAllRequestsTo{
			HostName: &cfg.RedirectAllRequestsTo,
			Protocol: types.ProtocolHttps,
		}
	default:
		if cfg.IndexDocument != "" {
			website.IndexDocument = &types.IndexDocument{Suffix: &cfg.IndexDocument}
		}
		if cfg.ErrorDocument != "" {
			website.ErrorDocument = &types.ErrorDocument{Key: &cfg.ErrorDocument}
		}
	}

	_, err := p.s3Client.PutBucketWebsite(ctx, &s3.PutBucketWebsiteInput{
		Bucket:               &bucket,
		WebsiteConfiguration: website,
	})
	if err != nil {
		return fmt.Errorf("failed to configure bucket website: %w", err)
	}
	return nil
}

func (p *Provider) deleteBucket(ctx context.Context, req *provider.DeleteRequest) error {
	if req.ID == "" {
		return nil
	}
	_, err := p.s3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: &req.ID})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "NoSuchBucket" {
			return nil
		}
		return fmt.Errorf("failed to delete bucket: %w", err)
	}
	return nil
}

// applyRedirectObject writes a zero-byte object whose only purpose is its
// WebsiteRedirectLocation header. PutObject is an overwrite, so create and
// update are the same call.
func (p *Provider) applyRedirectObject(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var desired redirectObjectConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired: %w", err)
	}
	if desired.Bucket == "" || desired.Key == "" {
		return nil, fmt.Errorf("redirect object requires bucket and key")
	}

	_, err := p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:                  &desired.Bucket,
		Key:                     &desired.Key,
		WebsiteRedirectLocation: &desired.Target,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put redirect object: %w", err)
	}

	outputs := map[string]any{
		"id":     fmt.Sprintf("%s/%s", desired.Bucket, desired.Key),
		"bucket": desired.Bucket,
		"key":    desired.Key,
		"target": desired.Target,
	}
	data, _ := json.Marshal(outputs)
	return &provider.ApplyResponse{Outputs: data}, nil
}

func (p *Provider) deleteRedirectObject(ctx context.Context, req *provider.DeleteRequest) error {
	var stored redirectObjectConfig
	if err := json.Unmarshal(req.Outputs, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal stored outputs: %w", err)
	}
	if stored.Bucket == "" || stored.Key == "" {
		return nil
	}

	_, err := p.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &stored.Bucket,
		Key:    &stored.Key,
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && (ae.ErrorCode() == "NoSuchKey" || ae.ErrorCode() == "NoSuchBucket") {
			return nil
		}
		return fmt.Errorf("failed to delete redirect object: %w", err)
	}
	return nil
}
