package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/acm/types"

	"github.com/terrane-io/terrane/internal/provider"
)

type certificateConfig struct {
	DomainName              string            `json:"domain_name"`
	SubjectAlternativeNames []string          `json:"subject_alternative_names"`
	ValidationMethod        string            `json:"validation_method"`
	Tags                    map[string]string `json:"tags"`
}

type certificateValidationConfig struct {
	CertificateArn string `json:"certificate_arn"`
}

func (p *Provider) applyCertificate(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var desired certificateConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired: %w", err)
	}

	if desired.ValidationMethod == "" {
		desired.ValidationMethod = string(types.ValidationMethodDns)
	}

	// A prior record means the certificate exists and its immutable fields
	// are unchanged; only tags are mutable here.
	if req.Prior != nil {
		return &provider.ApplyResponse{Outputs: req.Prior}, nil
	}

	input := &acm.RequestCertificateInput{
		DomainName:       &desired.DomainName,
		ValidationMethod: types.ValidationMethod(desired.ValidationMethod),
	}
	if len(desired.SubjectAlternativeNames) > 0 {
		input.SubjectAlternativeNames = desired.SubjectAlternativeNames
	}
	for k, v := range desired.Tags {
		input.Tags = append(input.Tags, types.Tag{Key: ptr(k), Value: ptr(v)})
	}

	resp, err := p.acmClient.RequestCertificate(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to request certificate: %w", err)
	}
	arn := *resp.CertificateArn

	records, err := p.validationRecords(ctx, arn)
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{
		"id":                 arn,
		"arn":                arn,
		"domain_name":        desired.DomainName,
		"validation_records": records,
	}
	data, _ := json.Marshal(outputs)
	return &provider.ApplyResponse{Outputs: data}, nil
}

// validationRecords polls DescribeCertificate until the DNS validation
// records are populated. They typically appear within seconds of the request.
func (p *Provider) validationRecords(ctx context.Context, arn string) ([]map[string]string, error) {
	deadline := time.Now().Add(30 * time.Second)
	for {
		resp, err := p.acmClient.DescribeCertificate(ctx, &acm.DescribeCertificateInput{
			CertificateArn: &arn,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe certificate: %w", err)
		}

		var records []map[string]string
		complete := len(resp.Certificate.DomainValidationOptions) > 0
		for _, opt := range resp.Certificate.DomainValidationOptions {
			if opt.ResourceRecord == nil {
				complete = false
				break
			}
			records = append(records, map[string]string{
				"name":  *opt.ResourceRecord.Name,
				"type":  string(opt.ResourceRecord.Type),
				"value": *opt.ResourceRecord.Value,
			})
		}
		if complete {
			return records, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("validation records for %s not available yet", arn)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *Provider) deleteCertificate(ctx context.Context, req *provider.DeleteRequest) error {
	if req.ID == "" {
		return nil
	}
	_, err := p.acmClient.DeleteCertificate(ctx, &acm.DeleteCertificateInput{
		CertificateArn: &req.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to delete certificate: %w", err)
	}
	return nil
}

// applyCertificateValidation registers interest in a certificate becoming
// issued. It never blocks: it reports the resource as pending and the
// readiness check polls the certificate status.
func (p *Provider) applyCertificateValidation(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var desired certificateValidationConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired: %w", err)
	}
	if desired.CertificateArn == "" {
		return nil, fmt.Errorf("certificate validation requires certificate_arn")
	}

	outputs := map[string]any{
		"id":              desired.CertificateArn,
		"certificate_arn": desired.CertificateArn,
	}
	data, _ := json.Marshal(outputs)
	return &provider.ApplyResponse{Outputs: data, Pending: true}, nil
}

func (p *Provider) checkCertificateValidation(ctx context.Context, req *provider.CheckRequest) (*provider.CheckResponse, error) {
	var stored certificateValidationConfig
	if err := json.Unmarshal(req.Outputs, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored outputs: %w", err)
	}

	resp, err := p.acmClient.DescribeCertificate(ctx, &acm.DescribeCertificateInput{
		CertificateArn: &stored.CertificateArn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe certificate: %w", err)
	}

	switch resp.Certificate.Status {
	case types.CertificateStatusIssued:
		return &provider.CheckResponse{Ready: true}, nil
	case types.CertificateStatusPendingValidation:
		return &provider.CheckResponse{Reason: "certificate is pending validation"}, nil
	default:
		return nil, fmt.Errorf("certificate %s entered terminal status %s", stored.CertificateArn, resp.Certificate.Status)
	}
}
