package device

import (
	"context"
	"errors"
	"fmt"
)

// TemplateStore reads externally owned templates.
type TemplateStore interface {
	// GetTemplate returns ErrNotFound if the template does not exist in the tenant.
	GetTemplate(ctx context.Context, tenantID, id string) (*Template, error)
}

// Resolver expands a device's template references into its effective
// attribute set.
type Resolver struct {
	templates TemplateStore

	// prune drops stored overrides that no longer fit their template
	// instead of rejecting the device.
	prune  bool
	logger Logger
}

// NewResolver creates a Resolver reading from templates. Overrides that
// match no template attribute are rejected.
func NewResolver(templates TemplateStore) *Resolver {
	return &Resolver{templates: templates, logger: noopLogger{}}
}

// newStoredResolver resolves devices loaded from storage. Templates change
// underneath stored devices, so overrides a template no longer supports are
// dropped from the device with a warning rather than failing the read.
func newStoredResolver(templates TemplateStore, logger Logger) *Resolver {
	return &Resolver{templates: templates, prune: true, logger: logger}
}

// Resolve merges the attributes of every referenced template with the
// device's overrides and local attributes.
//
// Every label that appears more than once across templates and local
// attributes is reported in a single *AttributeConflictError. An override
// that matches no template attribute is ErrInvalidArgument, unless the
// resolver prunes, in which case it is removed from d.Attrs.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, d *Device) (AttributeSet, error) {
	set := make(AttributeSet, len(d.Templates)+1)
	sources := make(map[string][]string)
	consumed := make(map[*Attribute]bool)

	for _, tid := range d.Templates {
		if _, done := set[tid]; done {
			continue
		}
		tpl, err := r.templates.GetTemplate(ctx, tenantID, tid)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, notFoundf("template %s", tid)
			}
			return nil, fmt.Errorf("loading template %s: %w", tid, err)
		}

		attrs := make([]Attribute, 0, len(tpl.Attrs))
		for _, def := range tpl.Attrs {
			a := def.copy()
			a.TemplateID = tid
			if o := d.attr(tid, def.Label); o != nil {
				consumed[o] = true
				if a.IsPSK() && o.StaticValue != nil {
					if !r.prune {
						return nil, invalidf("psk attribute %q cannot be given a value; use gen_psk", a.Label)
					}
					r.drift(d, o, "template attribute is now a psk slot")
					o.StaticValue = nil
				}
				if r.prune && !a.IsPSK() && o.Key != nil {
					r.drift(d, o, "template attribute is no longer a psk slot")
					o.Key = nil
				}
				if o.StaticValue != nil {
					v := *o.StaticValue
					a.StaticValue = &v
					a.IsStaticOverridden = true
				}
				if o.Key != nil {
					a.Key = o.Key.clone()
					a.IsStaticOverridden = true
				}
			}
			attrs = append(attrs, a)
			sources[a.Label] = append(sources[a.Label], tid)
		}
		set[tid] = attrs
	}

	var local []Attribute
	for i := range d.Attrs {
		a := &d.Attrs[i]
		if a.TemplateID != "" {
			continue
		}
		local = append(local, a.copy())
		sources[a.Label] = append(sources[a.Label], LocalAttrsKey)
	}
	if len(local) > 0 {
		set[LocalAttrsKey] = local
	}

	if conflict := newAttributeConflictError(sources); conflict != nil {
		return nil, conflict
	}

	if !r.prune {
		for i := range d.Attrs {
			a := &d.Attrs[i]
			if a.TemplateID != "" && !consumed[a] {
				return nil, invalidf("attribute %q is not defined by template %s", a.Label, a.TemplateID)
			}
		}
		return set, nil
	}

	kept := make([]Attribute, 0, len(d.Attrs))
	for i := range d.Attrs {
		a := &d.Attrs[i]
		if a.TemplateID != "" && !consumed[a] {
			r.drift(d, a, "template no longer defines the attribute")
			continue
		}
		if a.TemplateID != "" && a.StaticValue == nil && a.Key == nil {
			continue
		}
		kept = append(kept, *a)
	}
	d.Attrs = kept

	return set, nil
}

func (r *Resolver) drift(d *Device, o *Attribute, reason string) {
	r.logger.Warn("dropping stale attribute override",
		"device_id", d.ID,
		"template_id", o.TemplateID,
		"attr", o.Label,
		"reason", reason,
	)
}
