package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"

	"github.com/terrane-io/terrane/internal/provider"
)

type distributionConfig struct {
	Enabled              bool                 `json:"enabled"`
	Comment              string               `json:"comment"`
	Aliases              []string             `json:"aliases"`
	CertificateArn       string               `json:"certificate_arn"`
	PriceClass           string               `json:"price_class"`
	DefaultRootObject    string               `json:"default_root_object"`
	Origins              []origin             `json:"origins"`
	DefaultCacheBehavior defaultCacheBehavior `json:"default_cache_behavior"`
}

type origin struct {
	DomainName string `json:"domain_name"`
	OriginID   string `json:"origin_id"`
}

type defaultCacheBehavior struct {
	TargetOriginID       string   `json:"target_origin_id"`
	ViewerProtocolPolicy string   `json:"viewer_protocol_policy"`
	AllowedMethods       []string `json:"allowed_methods"`
}

type distributionOutputs struct {
	ID         string `json:"id"`
	ARN        string `json:"arn"`
	DomainName string `json:"domain_name"`
	ETag       string `json:"etag"`
}

func (p *Provider) applyDistribution(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var desired distributionConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired: %w", err)
	}

	if req.Prior != nil {
		return p.updateDistribution(ctx, req.Prior, &desired)
	}

	callerRef := fmt.Sprintf("terrane-%d", time.Now().UnixNano())
	cfg := buildDistributionConfig(&desired, &callerRef)

	resp, err := p.cloudfrontClient.CreateDistribution(ctx, &cloudfront.CreateDistributionInput{
		DistributionConfig: cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create distribution: %w", err)
	}

	out := distributionOutputs{
		ID:         *resp.Distribution.Id,
		ARN:        *resp.Distribution.ARN,
		DomainName: *resp.Distribution.DomainName,
		ETag:       *resp.ETag,
	}
	data, _ := json.Marshal(out)

	// Distributions deploy asynchronously; the readiness check polls for the
	// Deployed status.
	return &provider.ApplyResponse{Outputs: data, Pending: true}, nil
}

func (p *Provider) updateDistribution(ctx context.Context, prior json.RawMessage, desired *distributionConfig) (*provider.ApplyResponse, error) {
	var out distributionOutputs
	if err := json.Unmarshal(prior, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior outputs: %w", err)
	}

	// UpdateDistribution requires the current ETag and a full config.
	current, err := p.cloudfrontClient.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{
		Id: &out.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get distribution config: %w", err)
	}

	cfg := buildDistributionConfig(desired, current.DistributionConfig.CallerReference)
	resp, err := p.cloudfrontClient.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 &out.ID,
		IfMatch:            current.ETag,
		DistributionConfig: cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update distribution: %w", err)
	}

	out.ETag = *resp.ETag
	out.DomainName = *resp.Distribution.DomainName
	data, _ := json.Marshal(out)
	return &provider.ApplyResponse{Outputs: data, Pending: true}, nil
}

func (p *Provider) checkDistribution(ctx context.Context, req *provider.CheckRequest) (*provider.CheckResponse, error) {
	var out distributionOutputs
	if err := json.Unmarshal(req.Outputs, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored outputs: %w", err)
	}

	resp, err := p.cloudfrontClient.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: &out.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to get distribution: %w", err)
	}

	if *resp.Distribution.Status == "Deployed" {
		return &provider.CheckResponse{Ready: true}, nil
	}
	return &provider.CheckResponse{Reason: fmt.Sprintf("distribution is %s", *resp.Distribution.Status)}, nil
}

// deleteDistribution disables the distribution first; CloudFront refuses to
// delete an enabled one. The delete retries until the disable has deployed.
func (p *Provider) deleteDistribution(ctx context.Context, req *provider.DeleteRequest) error {
	var out distributionOutputs
	if err := json.Unmarshal(req.Outputs, &out); err != nil {
		return fmt.Errorf("failed to unmarshal stored outputs: %w", err)
	}
	if out.ID == "" {
		return nil
	}

	current, err := p.cloudfrontClient.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{
		Id: &out.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to get distribution config: %w", err)
	}

	etag := current.ETag
	if current.DistributionConfig.Enabled != nil && *current.DistributionConfig.Enabled {
		current.DistributionConfig.Enabled = ptr(false)
		resp, err := p.cloudfrontClient.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
			Id:                 &out.ID,
			IfMatch:            etag,
			DistributionConfig: current.DistributionConfig,
		})
		if err != nil {
			return fmt.Errorf("failed to disable distribution: %w", err)
		}
		etag = resp.ETag

		waiter := cloudfront.NewDistributionDeployedWaiter(p.cloudfrontClient)
		if err := waiter.Wait(ctx, &cloudfront.GetDistributionInput{Id: &out.ID}, 30*time.Minute); err != nil {
			return fmt.Errorf("failed waiting for distribution to disable: %w", err)
		}
	}

	_, err = p.cloudfrontClient.DeleteDistribution(ctx, &cloudfront.DeleteDistributionInput{
		Id:      &out.ID,
		IfMatch: etag,
	})
	if err != nil {
		return fmt.Errorf("failed to delete distribution: %w", err)
	}
	return nil
}

func buildDistributionConfig(desired *distributionConfig, callerRef *string) *types.DistributionConfig {
	var items []types.Origin
	for _, o := range desired.Origins {
		items = append(items, types.Origin{
			Id:         ptr(o.OriginID),
			DomainName: ptr(o.DomainName),
			CustomOriginConfig: &types.CustomOriginConfig{
				HTTPPort:             ptr(int32(80)),
				HTTPSPort:            ptr(int32(443)),
				OriginProtocolPolicy: types.OriginProtocolPolicyHttpOnly,
			},
		})
	}

	var methods []types.Method
	for _, m := range desired.DefaultCacheBehavior.AllowedMethods {
		methods = append(methods, types.Method(m))
	}
	if len(methods) == 0 {
		methods = []types.Method{types.MethodGet, types.MethodHead}
	}

	viewerPolicy := types.ViewerProtocolPolicy(desired.DefaultCacheBehavior.ViewerProtocolPolicy)
	if desired.DefaultCacheBehavior.ViewerProtocolPolicy == "" {
		viewerPolicy = types.ViewerProtocolPolicyRedirectToHttps
	}

	comment := desired.Comment
	if comment == "" {
		comment = "Managed by terrane"
	}

	cfg := &types.DistributionConfig{
		CallerReference: callerRef,
		Enabled:         ptr(desired.Enabled),
		Comment:         ptr(comment),
		Origins: &types.Origins{
			Quantity: ptr(int32(len(items))),
			Items:    items,
		},
		DefaultCacheBehavior: &types.DefaultCacheBehavior{
			TargetOriginId:       ptr(desired.DefaultCacheBehavior.TargetOriginID),
			ViewerProtocolPolicy: viewerPolicy,
			AllowedMethods: &types.AllowedMethods{
				Quantity: ptr(int32(len(methods))),
				Items:    methods,
				CachedMethods: &types.CachedMethods{
					Quantity: ptr(int32(2)),
					Items:    []types.Method{types.MethodGet, types.MethodHead},
				},
			},
			MinTTL: ptr(int64(0)),
			ForwardedValues: &types.ForwardedValues{
				Cookies:     &types.CookiePreference{Forward: types.ItemSelectionNone},
				QueryString: ptr(false),
			},
		},
	}

	if len(desired.Aliases) > 0 {
		cfg.Aliases = &types.Aliases{
			Quantity: ptr(int32(len(desired.Aliases))),
			Items:    desired.Aliases,
		}
	}
	if desired.CertificateArn != "" {
		cfg.ViewerCertificate = &types.ViewerCertificate{
			ACMCertificateArn:      ptr(desired.CertificateArn),
			SSLSupportMethod:       types.SSLSupportMethodSniOnly,
			MinimumProtocolVersion: types.MinimumProtocolVersionTLSv122021,
		}
	}
	if desired.PriceClass != "" {
		cfg.PriceClass = types.PriceClass(desired.PriceClass)
	}
	if desired.DefaultRootObject != "" {
		cfg.DefaultRootObject = ptr(desired.DefaultRootObject)
	}

	return cfg
}
