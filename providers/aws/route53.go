package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/terrane-io/terrane/internal/provider"
)

type hostedZoneConfig struct {
	Name    string `json:"name"`
	Comment string `json:"comment"`
}

type recordSetConfig struct {
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	TTL     int          `json:"ttl"`
	ZoneID  string       `json:"zone_id"`
	Records []string     `json:"records"`
	Alias   *aliasTarget `json:"alias"`
}

type aliasTarget struct {
	DNSName              string `json:"dns_name"`
	HostedZoneID         string `json:"hosted_zone_id"`
	EvaluateTargetHealth bool   `json:"evaluate_target_health"`
}

func (p *Provider) applyHostedZone(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var desired hostedZoneConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired: %w", err)
	}

	// Zones are effectively immutable; a prior record means there is nothing
	// to change in place except returning the existing outputs.
	if req.Prior != nil {
		return &provider.ApplyResponse{Outputs: req.Prior}, nil
	}

	callerRef := fmt.Sprintf("terrane-%d", time.Now().UnixNano())
	input := &route53.CreateHostedZoneInput{
		Name:            &desired.Name,
		CallerReference: &callerRef,
	}
	if desired.Comment != "" {
		input.HostedZoneConfig = &types.HostedZoneConfig{Comment: &desired.Comment}
	}

	resp, err := p.route53Client.CreateHostedZone(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create hosted zone: %w", err)
	}

	outputs := map[string]any{
		"id":      *resp.HostedZone.Id,
		"zone_id": strings.TrimPrefix(*resp.HostedZone.Id, "/hostedzone/"),
		"name":    strings.TrimSuffix(*resp.HostedZone.Name, "."),
	}
	if resp.DelegationSet != nil {
		outputs["name_servers"] = resp.DelegationSet.NameServers
	}

	data, _ := json.Marshal(outputs)
	return &provider.ApplyResponse{Outputs: data}, nil
}

func (p *Provider) deleteHostedZone(ctx context.Context, req *provider.DeleteRequest) error {
	if req.ID == "" {
		return nil
	}
	_, err := p.route53Client.DeleteHostedZone(ctx, &route53.DeleteHostedZoneInput{
		Id: &req.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to delete hosted zone: %w", err)
	}
	return nil
}

func (p *Provider) applyRecordSet(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var desired recordSetConfig
	if err := json.Unmarshal(req.Desired, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired: %w", err)
	}

	recordSet, err := buildRecordSet(&desired)
	if err != nil {
		return nil, err
	}

	_, err = p.route53Client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: &desired.ZoneID,
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{
				{Action: types.ChangeActionUpsert, ResourceRecordSet: recordSet},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert record set: %w", err)
	}

	// Keep the full record shape in the outputs so a later delete can rebuild
	// the change batch without the declaration.
	outputs := map[string]any{
		"id":      fmt.Sprintf("%s:%s:%s", desired.ZoneID, desired.Name, desired.Type),
		"fqdn":    strings.TrimSuffix(desired.Name, "."),
		"zone_id": desired.ZoneID,
		"name":    desired.Name,
		"type":    desired.Type,
		"ttl":     desired.TTL,
		"records": desired.Records,
	}
	if desired.Alias != nil {
		outputs["alias"] = desired.Alias
	}

	data, _ := json.Marshal(outputs)
	return &provider.ApplyResponse{Outputs: data}, nil
}

func (p *Provider) deleteRecordSet(ctx context.Context, req *provider.DeleteRequest) error {
	var stored recordSetConfig
	if err := json.Unmarshal(req.Outputs, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal stored record set: %w", err)
	}
	if stored.ZoneID == "" || stored.Name == "" {
		return nil
	}

	recordSet, err := buildRecordSet(&stored)
	if err != nil {
		return err
	}

	_, err = p.route53Client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: &stored.ZoneID,
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{
				{Action: types.ChangeActionDelete, ResourceRecordSet: recordSet},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete record set: %w", err)
	}
	return nil
}

func buildRecordSet(cfg *recordSetConfig) (*types.ResourceRecordSet, error) {
	recordSet := &types.ResourceRecordSet{
		Name: &cfg.Name,
		Type: types.RRType(cfg.Type),
	}

	if cfg.Alias != nil {
		recordSet.AliasTarget = &types.AliasTarget{
			DNSName:              &cfg.Alias.DNSName,
			HostedZoneId:         &cfg.Alias.HostedZoneID,
			EvaluateTargetHealth: cfg.Alias.EvaluateTargetHealth,
		}
		return recordSet, nil
	}

	if len(cfg.Records) == 0 {
		return nil, fmt.Errorf("record set %s has neither records nor an alias target", cfg.Name)
	}
	for _, r := range cfg.Records {
		recordSet.ResourceRecords = append(recordSet.ResourceRecords, types.ResourceRecord{Value: ptr(r)})
	}
	recordSet.TTL = ptr(int64(cfg.TTL))
	return recordSet, nil
}
