package conversion

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied to Settings when fields are left empty
const (
	DefaultSourceStatusField = "status"
	DefaultSourceStatusValue = "converted"
	DefaultTargetNameField   = "name"
)

// Settings control what happens around a conversion
type Settings struct {
	AutoConversionEnabled  bool   `json:"auto_conversion_enabled"`
	MarkSourceConverted    bool   `json:"mark_source_converted"`
	SourceStatusField      string `json:"source_status_field,omitempty"`
	SourceStatusValue      string `json:"source_status_value,omitempty"`
	LinkSourceField        string `json:"link_source_field,omitempty"`
	CopyUnmappedExtensions bool   `json:"copy_unmapped_extensions"`
	TargetNameField        string `json:"target_name_field,omitempty"`
}

func (s Settings) statusField() string {
	if s.SourceStatusField != "" {
		return s.SourceStatusField
	}
	return DefaultSourceStatusField
}

func (s Settings) statusValue() string {
	if s.SourceStatusValue != "" {
		return s.SourceStatusValue
	}
	return DefaultSourceStatusValue
}

func (s Settings) nameField() string {
	if s.TargetNameField != "" {
		return s.TargetNameField
	}
	return DefaultTargetNameField
}

// ApprovalSettings gate the write behind a manual approval
type ApprovalSettings struct {
	RequireApproval bool     `json:"require_approval"`
	Approvers       []string `json:"approvers,omitempty"`
}

// Rule converts records of SourceEntity into records of TargetEntity
type Rule struct {
	ID                    string            `json:"id"`
	TenantID              string            `json:"tenant_id"`
	Name                  string            `json:"name"`
	Description           string            `json:"description,omitempty"`
	IsActive              bool              `json:"is_active"`
	SourceEntity          string            `json:"source_entity"`
	TargetEntity          string            `json:"target_entity"`
	TriggerConditions     Trigger           `json:"trigger_conditions"`
	FieldMapping          map[string]string `json:"field_mapping"`
	ExtensionFieldMapping map[string]string `json:"extension_field_mapping"`
	ConversionSettings    Settings          `json:"conversion_settings"`
	TargetNameTemplate    string            `json:"target_name_template,omitempty"`
	DefaultValues         map[string]any    `json:"default_values"`
	ApprovalSettings      ApprovalSettings  `json:"approval_settings"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	CreatedBy             string            `json:"created_by,omitempty"`
}

// Check validates a rule before it is stored or executed
func (r *Rule) Check() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if r.SourceEntity == "" || r.TargetEntity == "" {
		return fmt.Errorf("rule %s: source_entity and target_entity are required", r.Name)
	}
	if r.SourceEntity == r.TargetEntity {
		return fmt.Errorf("rule %s: target_entity must differ from source_entity", r.Name)
	}
	if r.TriggerConditions.Root == nil {
		return fmt.Errorf("rule %s: trigger_conditions are required", r.Name)
	}
	for src, dst := range r.FieldMapping {
		if src == "" || dst == "" {
			return fmt.Errorf("rule %s: field_mapping entries must name both fields", r.Name)
		}
	}
	for src, dst := range r.ExtensionFieldMapping {
		if src == "" || dst == "" {
			return fmt.Errorf("rule %s: extension_field_mapping entries must name both fields", r.Name)
		}
	}
	return nil
}
