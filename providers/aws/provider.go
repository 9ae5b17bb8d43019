// Package aws implements the provider for the AWS resource types used by
// site declarations: Route53 zones and records, ACM certificates and their
// validation, S3 buckets and redirect objects, and CloudFront distributions.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/terrane-io/terrane/internal/provider"
)

// immutableAttrs lists, per resource type, the attributes whose change forces
// a replacement instead of an in-place update.
var immutableAttrs = map[string]map[string]bool{
	"aws:Route53.HostedZone":        {"name": true},
	"aws:Route53.RecordSet":         {"name": true, "type": true, "zone_id": true},
	"aws:ACM.Certificate":           {"domain_name": true, "subject_alternative_names": true, "validation_method": true},
	"aws:ACM.CertificateValidation": {"certificate_arn": true},
	"aws:S3.Bucket":                 {"bucket": true},
	"aws:S3.RedirectObject":         {"bucket": true, "key": true},
	"aws:CloudFront.Distribution":   {},
}

type Provider struct {
	mu      sync.Mutex
	region  string
	profile string

	acmClient        *acm.Client
	route53Client    *route53.Client
	s3Client         *s3.Client
	cloudfrontClient *cloudfront.Client
}

func New() *Provider {
	return &Provider{region: "us-east-1"}
}

func (p *Provider) Configure(ctx context.Context, settings map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if region := settings["region"]; region != "" {
		p.region = region
	}
	p.profile = settings["profile"]
	return nil
}

func (p *Provider) ensureClients(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.s3Client != nil {
		return nil
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(p.region)}
	if p.profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(p.profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load SDK config: %w", err)
	}

	p.acmClient = acm.NewFromConfig(cfg)
	p.route53Client = route53.NewFromConfig(cfg)
	p.s3Client = s3.NewFromConfig(cfg)
	p.cloudfrontClient = cloudfront.NewFromConfig(cfg)
	return nil
}

// Plan diffs the desired attributes against the last-applied ones. The core
// hands us config-to-config comparison; remote drift detection is out of
// scope here.
func (p *Provider) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResponse, error) {
	if req.Desired == nil {
		return &provider.PlanResponse{Action: provider.ActionDelete}, nil
	}
	if req.Prior == nil {
		return &provider.PlanResponse{Action: provider.ActionCreate}, nil
	}

	changed, err := diffAttributes(req.Desired, req.Prior)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return &provider.PlanResponse{Action: provider.ActionNoOp}, nil
	}

	action := provider.ActionUpdate
	immutable := immutableAttrs[req.Type]
	for _, attr := range changed {
		if immutable[attr] {
			action = provider.ActionReplace
			break
		}
	}

	return &provider.PlanResponse{Action: action, ChangedAttributes: changed}, nil
}

func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch req.Type {
	case "aws:Route53.HostedZone":
		return p.applyHostedZone(ctx, req)
	case "aws:Route53.RecordSet":
		return p.applyRecordSet(ctx, req)
	case "aws:ACM.Certificate":
		return p.applyCertificate(ctx, req)
	case "aws:ACM.CertificateValidation":
		return p.applyCertificateValidation(ctx, req)
	case "aws:S3.Bucket":
		return p.applyBucket(ctx, req)
	case "aws:S3.RedirectObject":
		return p.applyRedirectObject(ctx, req)
	case "aws:CloudFront.Distribution":
		return p.applyDistribution(ctx, req)
	}

	return nil, fmt.Errorf("unknown resource type: %s", req.Type)
}

func (p *Provider) Check(ctx context.Context, req *provider.CheckRequest) (*provider.CheckResponse, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch req.Type {
	case "aws:ACM.CertificateValidation":
		return p.checkCertificateValidation(ctx, req)
	case "aws:CloudFront.Distribution":
		return p.checkDistribution(ctx, req)
	}

	// Everything else is ready as soon as Apply returns.
	return &provider.CheckResponse{Ready: true}, nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	if err := p.ensureClients(ctx); err != nil {
		return err
	}

	switch req.Type {
	case "aws:Route53.HostedZone":
		return p.deleteHostedZone(ctx, req)
	case "aws:Route53.RecordSet":
		return p.deleteRecordSet(ctx, req)
	case "aws:ACM.Certificate":
		return p.deleteCertificate(ctx, req)
	case "aws:ACM.CertificateValidation":
		// Validation is a waiter resource; there is nothing remote to destroy.
		return nil
	case "aws:S3.Bucket":
		return p.deleteBucket(ctx, req)
	case "aws:S3.RedirectObject":
		return p.deleteRedirectObject(ctx, req)
	case "aws:CloudFront.Distribution":
		return p.deleteDistribution(ctx, req)
	}

	return fmt.Errorf("unknown resource type: %s", req.Type)
}

// diffAttributes returns the sorted top-level attribute names whose values
// differ between two JSON documents.
func diffAttributes(desired, prior json.RawMessage) ([]string, error) {
	var d, pr map[string]any
	if err := json.Unmarshal(desired, &d); err != nil {
		return nil, fmt.Errorf("invalid desired attributes: %w", err)
	}
	if err := json.Unmarshal(prior, &pr); err != nil {
		return nil, fmt.Errorf("invalid prior attributes: %w", err)
	}

	changedSet := make(map[string]bool)
	for k, v := range d {
		if pv, ok := pr[k]; !ok || !reflect.DeepEqual(v, pv) {
			changedSet[k] = true
		}
	}
	for k := range pr {
		if _, ok := d[k]; !ok {
			changedSet[k] = true
		}
	}

	changed := make([]string, 0, len(changedSet))
	for k := range changedSet {
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed, nil
}

func ptr[T any](v T) *T { return &v }
