package aws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrane-io/terrane/internal/provider"
)

func TestPlan_CreateWhenNoPrior(t *testing.T) {
	p := New()

	resp, err := p.Plan(context.Background(), &provider.PlanRequest{
		Type:    "aws:S3.Bucket",
		Name:    "site",
		Desired: json.RawMessage(`{"bucket": "my-site"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, provider.ActionCreate, resp.Action)
}

func TestPlan_NoOpWhenUnchanged(t *testing.T) {
	p := New()
	doc := json.RawMessage(`{"bucket": "my-site", "tags": {"env": "prod"}}`)

	resp, err := p.Plan(context.Background(), &provider.PlanRequest{
		Type: "aws:S3.Bucket", Name: "site", Desired: doc, Prior: doc,
	})
	require.NoError(t, err)
	assert.Equal(t, provider.ActionNoOp, resp.Action)
}

func TestPlan_ImmutableAttributeForcesReplace(t *testing.T) {
	p := New()

	resp, err := p.Plan(context.Background(), &provider.PlanRequest{
		Type:    "aws:S3.Bucket",
		Name:    "site",
		Desired: json.RawMessage(`{"bucket": "new-name"}`),
		Prior:   json.RawMessage(`{"bucket": "old-name"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, provider.ActionReplace, resp.Action)
	assert.Equal(t, []string{"bucket"}, resp.ChangedAttributes)
}

func TestPlan_MutableAttributeIsUpdate(t *testing.T) {
	p := New()

	resp, err := p.Plan(context.Background(), &provider.PlanRequest{
		Type:    "aws:S3.Bucket",
		Name:    "site",
		Desired: json.RawMessage(`{"bucket": "my-site", "tags": {"env": "prod"}}`),
		Prior:   json.RawMessage(`{"bucket": "my-site", "tags": {"env": "dev"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, provider.ActionUpdate, resp.Action)
	assert.Equal(t, []string{"tags"}, resp.ChangedAttributes)
}

func TestPlan_CertificateDomainChangeForcesReplace(t *testing.T) {
	p := New()

	resp, err := p.Plan(context.Background(), &provider.PlanRequest{
		Type:    "aws:ACM.Certificate",
		Name:    "site",
		Desired: json.RawMessage(`{"domain_name": "new.example.com"}`),
		Prior:   json.RawMessage(`{"domain_name": "old.example.com"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, provider.ActionReplace, resp.Action)
}

func TestDiffAttributes(t *testing.T) {
	changed, err := diffAttributes(
		json.RawMessage(`{"a": 1, "b": "same", "c": [1, 2]}`),
		json.RawMessage(`{"a": 2, "b": "same", "d": true}`),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, changed)
}

func TestBuildRecordSet_PlainRecords(t *testing.T) {
	rs, err := buildRecordSet(&recordSetConfig{
		Name:    "www.example.com",
		Type:    "A",
		TTL:     300,
		Records: []string{"192.0.2.1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "www.example.com", *rs.Name)
	require.NotNil(t, rs.TTL)
	assert.Equal(t, int64(300), *rs.TTL)
	require.Len(t, rs.ResourceRecords, 1)
	assert.Nil(t, rs.AliasTarget)
}

func TestBuildRecordSet_Alias(t *testing.T) {
	rs, err := buildRecordSet(&recordSetConfig{
		Name: "example.com",
		Type: "A",
		Alias: &aliasTarget{
			DNSName:      "d111111abcdef8.cloudfront.net",
			HostedZoneID: "Z2FDTNDATAQYW2",
		},
	})
	require.NoError(t, err)

	require.NotNil(t, rs.AliasTarget)
	assert.Nil(t, rs.TTL, "alias records carry no TTL")
	assert.Empty(t, rs.ResourceRecords)
}

func TestBuildRecordSet_RequiresRecordsOrAlias(t *testing.T) {
	_, err := buildRecordSet(&recordSetConfig{Name: "bad.example.com", Type: "A"})
	assert.Error(t, err)
}

func TestBuildDistributionConfig(t *testing.T) {
	ref := "test-ref"
	cfg := buildDistributionConfig(&distributionConfig{
		Enabled:        true,
		Aliases:        []string{"www.example.com"},
		CertificateArn: "arn:aws:acm:us-east-1:123:certificate/abc",
		Origins: []origin{
			{DomainName: "site.s3-website-us-east-1.amazonaws.com", OriginID: "site-origin"},
		},
		DefaultCacheBehavior: defaultCacheBehavior{TargetOriginID: "site-origin"},
	}, &ref)

	require.NotNil(t, cfg.Aliases)
	assert.Equal(t, int32(1), *cfg.Aliases.Quantity)

	require.NotNil(t, cfg.ViewerCertificate)
	assert.Equal(t, "arn:aws:acm:us-east-1:123:certificate/abc", *cfg.ViewerCertificate.ACMCertificateArn)

	require.NotNil(t, cfg.Origins)
	require.Len(t, cfg.Origins.Items, 1)
	assert.Equal(t, "site-origin", *cfg.Origins.Items[0].Id)

	// Unspecified viewer policy defaults to redirecting to HTTPS.
	assert.Equal(t, "redirect-to-https", string(cfg.DefaultCacheBehavior.ViewerProtocolPolicy))
}
