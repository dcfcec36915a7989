package device

import (
	"context"
	"encoding/hex"
	"slices"

	"github.com/nerrad567/device-manager/internal/audit"
	"github.com/nerrad567/device-manager/internal/tenant"
)

// GenPSKResult carries the freshly generated keys. This is the only
// response that ever holds raw key material.
type GenPSKResult struct {
	Keys     []KeyMaterial `json:"keys"`
	Warnings []string      `json:"warnings,omitempty"`
}

// GenPSK generates keys of keyLength bits for the device's psk attributes,
// replacing any existing key material. With targets set only those labels
// are touched, and each must name a psk attribute of the device.
func (s *Service) GenPSK(ctx context.Context, tc tenant.Context, id string, keyLength int, targets []string) (res *GenPSKResult, err error) {
	defer func() { s.observe("gen_psk", err) }()

	if err := checkTenant(tc); err != nil {
		return nil, err
	}

	var updated *Device
	var set AttributeSet
	var keys []KeyMaterial

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	err = s.store.WithinTx(opCtx, func(repo Repository) error {
		d, err := repo.FindByID(opCtx, tc.Tenant, id)
		if err != nil {
			return err
		}
		if err := ValidateKeyLength(keyLength); err != nil {
			return err
		}
		resolver := newStoredResolver(repo, s.logger)
		current, err := resolver.Resolve(opCtx, tc.Tenant, d)
		if err != nil {
			return err
		}

		slots := current.Filter(Attribute.IsPSK)
		if len(targets) > 0 {
			wanted := dedupe(targets)
			for _, label := range wanted {
				if !slices.ContainsFunc(slots, func(a Attribute) bool { return a.Label == label }) {
					return invalidf("device %s has no psk attribute %q", id, label)
				}
			}
			slots = slices.DeleteFunc(slots, func(a Attribute) bool { return !slices.Contains(wanted, a.Label) })
		}
		if len(slots) == 0 {
			return invalidf("device %s has no psk attributes", id)
		}

		labels := make([]string, 0, len(slots))
		for _, slot := range slots {
			raw, key, err := s.psk.Generate(Binding{Tenant: tc.Tenant, DeviceID: id, Label: slot.Label}, keyLength)
			if err != nil {
				return err
			}
			setKey(d, slot, key)
			keys = append(keys, KeyMaterial{Label: slot.Label, PSK: hex.EncodeToString(raw)})
			labels = append(labels, slot.Label)
		}

		if set, err = prepare(opCtx, resolver, tc.Tenant, d); err != nil {
			return err
		}
		if err := s.write(opCtx, repo, tc, d, audit.ActionGenPSK, map[string]any{
			"attrs":      labels,
			"key_length": keyLength,
		}); err != nil {
			return err
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	res = &GenPSKResult{Keys: keys}
	res.Warnings = s.notify(ctx, tc, EventUpdate, id, fullView(updated, set), nil)
	s.logger.Info("psk generated", "tenant", tc.Tenant, "device_id", id, "count", len(keys), "bits", keyLength)
	return res, nil
}

// CopyPSK copies the key of srcLabel on device srcID to dstLabel on device
// dstID. The key is re-sealed for its new slot; no key material is
// returned. Publish failures are logged by the notifier.
func (s *Service) CopyPSK(ctx context.Context, tc tenant.Context, srcID, srcLabel, dstID, dstLabel string) (err error) {
	defer func() { s.observe("copy_psk", err) }()

	if err := checkTenant(tc); err != nil {
		return err
	}

	var dst *Device
	var set AttributeSet

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	err = s.store.WithinTx(opCtx, func(repo Repository) error {
		resolver := newStoredResolver(repo, s.logger)

		src, err := repo.FindByID(opCtx, tc.Tenant, srcID)
		if err != nil {
			return err
		}
		srcAttr, err := pskSlot(opCtx, resolver, tc.Tenant, src, srcLabel)
		if err != nil {
			return err
		}
		if srcAttr.Key == nil {
			return notFoundf("attribute %q of device %s has no key material", srcLabel, srcID)
		}

		dst = src
		if dstID != srcID {
			if dst, err = repo.FindByID(opCtx, tc.Tenant, dstID); err != nil {
				return err
			}
		}
		dstAttr, err := pskSlot(opCtx, resolver, tc.Tenant, dst, dstLabel)
		if err != nil {
			return err
		}

		key, err := s.psk.Rebind(
			Binding{Tenant: tc.Tenant, DeviceID: srcID, Label: srcLabel},
			Binding{Tenant: tc.Tenant, DeviceID: dstID, Label: dstLabel},
			srcAttr.Key,
		)
		if err != nil {
			return err
		}
		setKey(dst, dstAttr, key)

		if set, err = prepare(opCtx, resolver, tc.Tenant, dst); err != nil {
			return err
		}
		return s.write(opCtx, repo, tc, dst, audit.ActionCopyPSK, map[string]any{
			"source_device": srcID,
			"source_attr":   srcLabel,
			"attr":          dstLabel,
		})
	})
	if err != nil {
		return err
	}

	s.notify(ctx, tc, EventUpdate, dstID, fullView(dst, set), nil)
	return nil
}

// pskSlot resolves d and returns its psk attribute called label.
func pskSlot(ctx context.Context, resolver *Resolver, tenantID string, d *Device, label string) (Attribute, error) {
	set, err := resolver.Resolve(ctx, tenantID, d)
	if err != nil {
		return Attribute{}, err
	}
	a, ok := set.Find(label)
	if !ok {
		return Attribute{}, notFoundf("device %s has no attribute %q", d.ID, label)
	}
	if !a.IsPSK() {
		return Attribute{}, invalidf("attribute %q of device %s is not a psk attribute", label, d.ID)
	}
	return a, nil
}

// setKey stores key on the row d owns for slot, adding an override row
// when slot comes from a template and has none yet.
func setKey(d *Device, slot Attribute, key *PSKKey) {
	if row := d.attr(slot.TemplateID, slot.Label); row != nil {
		row.Key = key
		return
	}
	d.Attrs = append(d.Attrs, Attribute{
		Label:      slot.Label,
		TemplateID: slot.TemplateID,
		Type:       slot.Type,
		ValueType:  slot.ValueType,
		Key:        key,
	})
}
