package application

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/wyfcoding/zonepricing/internal/pricing/domain"
)

// 策略目录下的四份文档文件名固定
const (
	pricingPolicyFile   = "pricing_policy.yaml"
	multiplierRulesFile = "multiplier_rules.yaml"
	rateLimitRulesFile  = "rate_limit_rules.yaml"
	reasonCodesFile     = "reason_codes.yaml"
)

// LoadPolicyBundle 从策略目录读取四份 YAML 文档并做整体校验。
// 任何文件缺失、解析失败或跨文档不一致都在启动期失败，不进入管道。
func LoadPolicyBundle(dir, configuredVersion string) (*domain.PolicyBundle, error) {
	bundle := &domain.PolicyBundle{PolicyVersion: configuredVersion}

	if err := loadYAML(filepath.Join(dir, pricingPolicyFile), &bundle.Pricing); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, multiplierRulesFile), &bundle.MultiplierRules); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, rateLimitRulesFile), &bundle.RateLimitRules); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, reasonCodesFile), &bundle.ReasonCodes); err != nil {
		return nil, err
	}

	// 限速文档的阈值覆盖主文档同名字段，保持单一事实来源
	bundle.Pricing.MaxIncreasePerBucket = bundle.RateLimitRules.MaxIncreasePerBucket
	bundle.Pricing.MaxDecreasePerBucket = bundle.RateLimitRules.MaxDecreasePerBucket

	if err := bundle.Validate(configuredVersion); err != nil {
		return nil, fmt.Errorf("load policy bundle from %s: %w", dir, err)
	}
	return bundle, nil
}

func loadYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy document: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse policy document %s: %w", filepath.Base(path), err)
	}
	return nil
}
