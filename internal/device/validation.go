package device

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

// Validation limits.
const (
	maxLabelLength = 128
	maxMetaKeys    = 50
	maxAttrs       = 256
	maxTemplates   = 64

	// maxBatchSize bounds count on create.
	maxBatchSize = 1000

	// MinKeyBits and MaxKeyBits bound generated pre-shared keys.
	MinKeyBits = 8
	MaxKeyBits = 1024
)

var idRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var validAttributeTypes = func() map[AttributeType]struct{} {
	m := make(map[AttributeType]struct{}, len(AllAttributeTypes()))
	for _, t := range AllAttributeTypes() {
		m[t] = struct{}{}
	}
	return m
}()

// ValidateKeyLength checks that bits is a positive multiple of 8 no larger
// than 1024.
func ValidateKeyLength(bits int) error {
	if bits < MinKeyBits || bits > MaxKeyBits || bits%8 != 0 {
		return invalidf("key length must be a multiple of 8 between %d and %d bits, got %d", MinKeyBits, MaxKeyBits, bits)
	}
	return nil
}

// ValidateLabel checks a device or attribute label.
func ValidateLabel(label string) error {
	if strings.TrimSpace(label) == "" {
		return invalidf("label is required")
	}
	if len(label) > maxLabelLength {
		return invalidf("label exceeds %d characters", maxLabelLength)
	}
	if strings.IndexFunc(label, unicode.IsControl) >= 0 {
		return invalidf("label contains control characters")
	}
	return nil
}

// ValidateID checks a caller-supplied device id.
func ValidateID(id string) error {
	if !idRegex.MatchString(id) {
		return invalidf("device id %q must be 1-64 characters of [A-Za-z0-9_-]", id)
	}
	return nil
}

// parseCount parses the create count. Empty means one.
func parseCount(raw string) (int, error) {
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, invalidf("count must be an integer, got %q", raw)
	}
	if n < 1 || n > maxBatchSize {
		return 0, invalidf("count must be between 1 and %d, got %d", maxBatchSize, n)
	}
	return n, nil
}

// parseFlag parses a boolean query flag. Empty means false.
func parseFlag(name, raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return false, invalidf("%s must be true or false, got %q", name, raw)
	}
	return v, nil
}

// validateSpec checks the shape of a device spec before any storage access.
func validateSpec(spec *DeviceSpec) error {
	if spec.ID != "" {
		if err := ValidateID(spec.ID); err != nil {
			return err
		}
	}
	if err := ValidateLabel(spec.Label); err != nil {
		return err
	}
	if len(spec.Templates) > maxTemplates {
		return invalidf("at most %d templates per device", maxTemplates)
	}
	for _, tid := range spec.Templates {
		if strings.TrimSpace(tid) == "" {
			return invalidf("template id must not be empty")
		}
	}
	if len(spec.Attrs) > maxAttrs {
		return invalidf("at most %d attributes per device", maxAttrs)
	}
	if len(spec.Meta) > maxMetaKeys {
		return invalidf("meta exceeds %d keys", maxMetaKeys)
	}

	type slot struct{ template, label string }
	seen := make(map[slot]struct{}, len(spec.Attrs))
	for _, a := range spec.Attrs {
		if err := ValidateLabel(a.Label); err != nil {
			return fmt.Errorf("attribute: %w", err)
		}
		key := slot{a.TemplateID, a.Label}
		if _, dup := seen[key]; dup {
			return invalidf("attribute %q given more than once", a.Label)
		}
		seen[key] = struct{}{}

		if a.TemplateID != "" {
			if !slices.Contains(spec.Templates, a.TemplateID) {
				return invalidf("attribute %q overrides template %s which the device does not reference", a.Label, a.TemplateID)
			}
			if a.StaticValue == nil {
				return invalidf("override of attribute %q needs a static_value", a.Label)
			}
			continue
		}

		if _, ok := validAttributeTypes[a.attrType()]; !ok {
			return invalidf("attribute %q has unknown type %q", a.Label, a.Type)
		}
		if a.ValueType == "" {
			return invalidf("attribute %q needs a value_type", a.Label)
		}
		if a.ValueType == ValueTypePSK && a.StaticValue != nil {
			return invalidf("psk attribute %q cannot be given a value; use gen_psk", a.Label)
		}
	}
	return nil
}

// attrType defaults a device-local attribute to static.
func (a AttributeSpec) attrType() AttributeType {
	if a.Type == "" {
		return AttrStatic
	}
	return a.Type
}

// dedupe removes repeated template ids, keeping first occurrences.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
