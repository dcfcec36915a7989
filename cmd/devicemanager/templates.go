package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/device-manager/internal/device"
)

// templatesFile is the --templates document:
//
//	tenants:
//	  acme:
//	    - id: meter
//	      label: meter
//	      attrs:
//	        - {label: model, type: static, value_type: string, static_value: x1}
//	        - {label: secret, type: static, value_type: psk}
type templatesFile struct {
	Tenants map[string][]templateDoc `yaml:"tenants"`
}

type templateDoc struct {
	ID    string         `yaml:"id"`
	Label string         `yaml:"label"`
	Attrs []attributeDoc `yaml:"attrs"`
}

type attributeDoc struct {
	Label       string  `yaml:"label"`
	Type        string  `yaml:"type"`
	ValueType   string  `yaml:"value_type"`
	StaticValue *string `yaml:"static_value"`
}

// templateSaver is the write side of the template store.
type templateSaver interface {
	Save(ctx context.Context, tenantID string, t *device.Template) error
}

// syncTemplates loads path and saves every template it lists, replacing
// existing definitions with the same id. It returns the number saved.
func syncTemplates(ctx context.Context, store templateSaver, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading templates file: %w", err)
	}

	var doc templatesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parsing templates file: %w", err)
	}

	saved := 0
	for tenantID, templates := range doc.Tenants {
		for _, td := range templates {
			t := &device.Template{ID: td.ID, Label: td.Label}
			for _, ad := range td.Attrs {
				t.Attrs = append(t.Attrs, device.Attribute{
					Label:       ad.Label,
					Type:        device.AttributeType(ad.Type),
					ValueType:   ad.ValueType,
					StaticValue: ad.StaticValue,
				})
			}
			if err := store.Save(ctx, tenantID, t); err != nil {
				return saved, fmt.Errorf("tenant %s template %s: %w", tenantID, td.ID, err)
			}
			saved++
		}
	}
	return saved, nil
}
