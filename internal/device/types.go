package device

import (
	"cmp"
	"slices"
	"time"
)

// AttributeType is the kind of a device attribute.
type AttributeType string

// Attribute kinds.
const (
	AttrStatic   AttributeType = "static"
	AttrActuator AttributeType = "actuator"
	AttrSensor   AttributeType = "sensor"
	AttrDynamic  AttributeType = "dynamic"
)

// ValueTypePSK marks an attribute slot that holds a pre-shared key.
const ValueTypePSK = "psk"

// LocalAttrsKey is the AttributeSet key for attributes owned by the device
// itself rather than contributed by a template.
const LocalAttrsKey = "device"

// AllAttributeTypes returns every valid attribute kind.
func AllAttributeTypes() []AttributeType {
	return []AttributeType{AttrStatic, AttrActuator, AttrSensor, AttrDynamic}
}

// Attribute is a named, typed property of a device.
//
// On a Device, an Attribute with an empty TemplateID is device-local; one
// with a TemplateID overrides the static value (or key) of that template's
// attribute with the same label.
type Attribute struct {
	ID                 int64         `json:"id"`
	Label              string        `json:"label"`
	TemplateID         string        `json:"template_id,omitempty"`
	Type               AttributeType `json:"type"`
	ValueType          string        `json:"value_type"`
	StaticValue        *string       `json:"static_value,omitempty"`
	IsStaticOverridden bool          `json:"is_static_overridden"`
	CreatedAt          time.Time     `json:"created"`

	// Key holds sealed key material for psk attributes. Never serialised.
	Key *PSKKey `json:"-"`
}

// IsPSK reports whether the attribute is a pre-shared key slot.
func (a Attribute) IsPSK() bool {
	return a.ValueType == ValueTypePSK
}

// PSKKey is key material sealed for one (tenant, device, label) binding.
type PSKKey struct {
	Bits   int
	Sealed []byte
}

func (k *PSKKey) clone() *PSKKey {
	if k == nil {
		return nil
	}
	return &PSKKey{Bits: k.Bits, Sealed: slices.Clone(k.Sealed)}
}

// Template is an externally owned, reusable set of attribute definitions.
type Template struct {
	ID        string      `json:"id"`
	Label     string      `json:"label"`
	Attrs     []Attribute `json:"attrs"`
	CreatedAt time.Time   `json:"created"`
}

// Device is a managed endpoint as persisted. Attrs holds only rows the
// device owns: local attributes and template overrides. The effective
// attribute set comes from Resolver.Resolve.
type Device struct {
	ID        string
	Label     string
	Templates []string
	Attrs     []Attribute
	Meta      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time

	// Revision increments on every write. Zero means not yet persisted.
	Revision int64
}

// DeepCopy creates an independent copy of the Device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Templates = slices.Clone(d.Templates)
	cpy.Meta = deepCopyMap(d.Meta)
	if d.Attrs != nil {
		cpy.Attrs = make([]Attribute, len(d.Attrs))
		for i, a := range d.Attrs {
			cpy.Attrs[i] = a.copy()
		}
	}
	return &cpy
}

// HasTemplate reports whether the device references the template.
func (d *Device) HasTemplate(templateID string) bool {
	return slices.Contains(d.Templates, templateID)
}

// attr returns the owned row for (templateID, label), or nil.
func (d *Device) attr(templateID, label string) *Attribute {
	for i := range d.Attrs {
		if d.Attrs[i].TemplateID == templateID && d.Attrs[i].Label == label {
			return &d.Attrs[i]
		}
	}
	return nil
}

func (a Attribute) copy() Attribute {
	cpy := a
	if a.StaticValue != nil {
		v := *a.StaticValue
		cpy.StaticValue = &v
	}
	cpy.Key = a.Key.clone()
	return cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

// AttributeSet is a device's effective attributes keyed by the template
// that contributed them, with device-local attributes under LocalAttrsKey.
type AttributeSet map[string][]Attribute

// Find returns the attribute with the given label.
func (s AttributeSet) Find(label string) (Attribute, bool) {
	for _, attrs := range s {
		for _, a := range attrs {
			if a.Label == label {
				return a, true
			}
		}
	}
	return Attribute{}, false
}

// Filter returns every attribute matching keep.
func (s AttributeSet) Filter(keep func(Attribute) bool) []Attribute {
	var out []Attribute
	for _, attrs := range s {
		for _, a := range attrs {
			if keep(a) {
				out = append(out, a)
			}
		}
	}
	slices.SortFunc(out, func(a, b Attribute) int { return cmp.Compare(a.Label, b.Label) })
	return out
}

// DeviceView is the serialised form of a device. The terse form carries
// only id and label; the full form embeds DeviceDetail.
type DeviceView struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	*DeviceDetail
}

// DeviceDetail holds the fields of the full serialised form.
type DeviceDetail struct {
	Created   time.Time      `json:"created"`
	Updated   time.Time      `json:"updated"`
	Templates []string       `json:"templates"`
	Attrs     AttributeSet   `json:"attrs"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// terseView returns the {id, label} form.
func terseView(d *Device) DeviceView {
	return DeviceView{ID: d.ID, Label: d.Label}
}

// fullView serialises d with its resolved attributes. PSK slots never
// carry a value.
func fullView(d *Device, set AttributeSet) DeviceView {
	attrs := make(AttributeSet, len(set))
	for source, list := range set {
		out := make([]Attribute, len(list))
		for i, a := range list {
			out[i] = a.copy()
			out[i].Key = nil
			if a.IsPSK() {
				out[i].StaticValue = nil
			}
		}
		attrs[source] = out
	}
	templates := slices.Clone(d.Templates)
	if templates == nil {
		templates = []string{}
	}
	return DeviceView{
		ID:    d.ID,
		Label: d.Label,
		DeviceDetail: &DeviceDetail{
			Created:   d.CreatedAt,
			Updated:   d.UpdatedAt,
			Templates: templates,
			Attrs:     attrs,
			Meta:      deepCopyMap(d.Meta),
		},
	}
}

// DeviceSpec is the inbound description of a device for create and update.
type DeviceSpec struct {
	ID        string          `json:"id,omitempty"`
	Label     string          `json:"label"`
	Templates []string        `json:"templates"`
	Attrs     []AttributeSpec `json:"attrs,omitempty"`
	Meta      map[string]any  `json:"meta,omitempty"`
}

// AttributeSpec describes a device-local attribute (TemplateID empty) or an
// override of a template attribute's static value (TemplateID set). Type
// and ValueType are taken from the template for overrides.
type AttributeSpec struct {
	Label       string        `json:"label"`
	TemplateID  string        `json:"template_id,omitempty"`
	Type        AttributeType `json:"type,omitempty"`
	ValueType   string        `json:"value_type,omitempty"`
	StaticValue *string       `json:"static_value,omitempty"`
}

// KeyMaterial is the raw key returned once by GenPSK.
type KeyMaterial struct {
	Label string `json:"label"`
	PSK   string `json:"psk"`
}
