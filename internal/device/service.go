package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/device-manager/internal/audit"
	"github.com/nerrad567/device-manager/internal/tenant"
)

// Response messages.
const (
	MessageDeviceCreated  = "device created"
	MessageDevicesCreated = "devices created"
	MessageDeviceUpdated  = "device updated"
	ResultOK              = "ok"
	StatusConfigured      = "configuration sent to device"
)

// auditSource identifies this service in audit entries.
const auditSource = "devices"

// idLength is the number of hex characters in a generated device id.
const idLength = 6

// ServiceConfig tunes the lifecycle service. Zero fields take defaults.
type ServiceConfig struct {
	DefaultPageSize  int
	MaxPageSize      int
	IDAttempts       int
	OperationTimeout time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = 20
	}
	if c.MaxPageSize < c.DefaultPageSize {
		c.MaxPageSize = max(1000, c.DefaultPageSize)
	}
	if c.IDAttempts <= 0 {
		c.IDAttempts = 10
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 10 * time.Second
	}
	return c
}

// Service orchestrates the device lifecycle: it resolves templates,
// provisions keys, persists through the Store in one transaction per
// operation and emits lifecycle events after commit.
//
// Service holds no per-tenant state; every call carries its tenant.Context.
type Service struct {
	store    Store
	psk      *PSKEngine
	notifier *Notifier
	cfg      ServiceConfig
	logger   Logger
	metrics  Metrics
	newID    func() string
}

// NewService creates a lifecycle service.
func NewService(store Store, psk *PSKEngine, notifier *Notifier, cfg ServiceConfig) *Service {
	if notifier == nil {
		notifier = NewNotifier(nil, NotifierConfig{})
	}
	return &Service{
		store:    store,
		psk:      psk,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   noopLogger{},
		metrics:  noopMetrics{},
		newID:    randomID,
	}
}

// SetLogger sets the logger.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMetrics sets the metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

func randomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
}

// CreateParams are the raw create options. Count defaults to one.
type CreateParams struct {
	Count   string
	Verbose string
}

// CreateResult is returned by CreateDevice.
type CreateResult struct {
	Devices  []DeviceView `json:"devices"`
	Message  string       `json:"message"`
	Warnings []string     `json:"warnings,omitempty"`
}

// DeviceResult is returned by operations that modify one device.
type DeviceResult struct {
	Device   DeviceView `json:"device"`
	Message  string     `json:"message"`
	Warnings []string   `json:"warnings,omitempty"`
}

// DeleteResult is returned by the delete operations.
type DeleteResult struct {
	Result   string   `json:"result"`
	Warnings []string `json:"warnings,omitempty"`
}

// ListResult is returned by listings. IDs is set instead of Devices and
// Pagination when only ids were requested.
type ListResult struct {
	Devices    []DeviceView `json:"devices,omitempty"`
	IDs        []string     `json:"ids,omitempty"`
	Pagination *Pagination  `json:"pagination,omitempty"`
}

// ConfigureRequest is a configuration to forward to a device.
type ConfigureRequest struct {
	Topic string         `json:"topic"`
	Attrs map[string]any `json:"attrs"`
}

// ConfigureResult is returned by ConfigureDevice.
type ConfigureResult struct {
	Status   string   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
}

// GenerateDeviceID returns an id not yet used in the tenant.
func (s *Service) GenerateDeviceID(ctx context.Context, tc tenant.Context) (string, error) {
	if err := checkTenant(tc); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	return s.generateID(ctx, s.store, tc.Tenant)
}

func (s *Service) generateID(ctx context.Context, repo Repository, tenantID string) (string, error) {
	for range s.cfg.IDAttempts {
		id := s.newID()
		exists, err := repo.Exists(ctx, tenantID, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no free id after %d attempts", ErrIDGenerationExhausted, s.cfg.IDAttempts)
}

// CreateDevice creates count devices from spec in one transaction. With
// count > 1 labels are suffixed _1.._n and verbose is rejected. A failure
// on any unit rolls back the whole batch.
func (s *Service) CreateDevice(ctx context.Context, tc tenant.Context, spec DeviceSpec, p CreateParams) (res *CreateResult, err error) {
	defer func() { s.observe("create", err) }()

	if err := checkTenant(tc); err != nil {
		return nil, err
	}
	count, err := parseCount(p.Count)
	if err != nil {
		return nil, err
	}
	verbose, err := parseFlag("verbose", p.Verbose)
	if err != nil {
		return nil, err
	}
	if count > 1 && verbose {
		return nil, invalidf("verbose is only allowed when creating a single device")
	}
	if count > 1 && spec.ID != "" {
		return nil, invalidf("an explicit id cannot be used with count > 1")
	}
	spec.Templates = dedupe(spec.Templates)
	if err := validateSpec(&spec); err != nil {
		return nil, err
	}

	type unit struct {
		device *Device
		attrs  AttributeSet
	}
	var created []unit

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	err = s.store.WithinTx(opCtx, func(repo Repository) error {
		resolver := NewResolver(repo)
		for i := 1; i <= count; i++ {
			d := deviceFromSpec(spec)
			if count > 1 {
				d.Label = fmt.Sprintf("%s_%d", spec.Label, i)
				if err := ValidateLabel(d.Label); err != nil {
					return err
				}
			}

			if d.ID == "" {
				if d.ID, err = s.generateID(opCtx, repo, tc.Tenant); err != nil {
					return err
				}
			} else if exists, err := repo.Exists(opCtx, tc.Tenant, d.ID); err != nil {
				return err
			} else if exists {
				return fmt.Errorf("%w: %s", ErrDeviceExists, d.ID)
			}

			set, err := prepare(opCtx, resolver, tc.Tenant, d)
			if err != nil {
				return err
			}
			if err := s.write(opCtx, repo, tc, d, audit.ActionCreate, nil); err != nil {
				return err
			}
			created = append(created, unit{device: d, attrs: set})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res = &CreateResult{Message: MessageDevicesCreated, Devices: make([]DeviceView, 0, len(created))}
	if verbose {
		res.Message = MessageDeviceCreated
	}
	for _, u := range created {
		full := fullView(u.device, u.attrs)
		if verbose {
			res.Devices = append(res.Devices, full)
		} else {
			res.Devices = append(res.Devices, terseView(u.device))
		}
		res.Warnings = s.notify(ctx, tc, EventCreate, u.device.ID, full, res.Warnings)
	}
	s.logger.Info("devices created", "tenant", tc.Tenant, "count", len(created))
	return res, nil
}

// UpdateDevice replaces the label, templates, attributes and meta of a
// device. Keys of psk attributes that survive the update are kept.
func (s *Service) UpdateDevice(ctx context.Context, tc tenant.Context, id string, spec DeviceSpec) (res *DeviceResult, err error) {
	defer func() { s.observe("update", err) }()

	if err := checkTenant(tc); err != nil {
		return nil, err
	}
	if spec.ID != "" && spec.ID != id {
		return nil, invalidf("device id cannot be changed")
	}
	spec.ID = id
	spec.Templates = dedupe(spec.Templates)
	if err := validateSpec(&spec); err != nil {
		return nil, err
	}

	return s.mutate(ctx, tc, id, "update", func(ctx context.Context, repo Repository, old *Device) (*Device, AttributeSet, error) {
		d := deviceFromSpec(spec)
		d.CreatedAt = old.CreatedAt
		d.Revision = old.Revision

		resolver := NewResolver(repo)
		set, err := prepare(ctx, resolver, tc.Tenant, d)
		if err != nil {
			return nil, nil, err
		}
		if carryKeys(old, d, set) {
			if set, err = prepare(ctx, resolver, tc.Tenant, d); err != nil {
				return nil, nil, err
			}
		}
		return d, set, nil
	})
}

// AddTemplateToDevice associates a template with a device. Adding a
// template that is already associated changes nothing.
func (s *Service) AddTemplateToDevice(ctx context.Context, tc tenant.Context, id, templateID string) (res *DeviceResult, err error) {
	defer func() { s.observe("add_template", err) }()

	if err := checkTenant(tc); err != nil {
		return nil, err
	}
	return s.mutate(ctx, tc, id, "add_template", func(ctx context.Context, repo Repository, old *Device) (*Device, AttributeSet, error) {
		if old.HasTemplate(templateID) {
			set, err := newStoredResolver(repo, s.logger).Resolve(ctx, tc.Tenant, old)
			return nil, set, err
		}
		d := old.DeepCopy()
		d.Templates = append(d.Templates, templateID)
		set, err := prepare(ctx, newStoredResolver(repo, s.logger), tc.Tenant, d)
		return d, set, err
	})
}

// RemoveTemplateFromDevice dissociates a template from a device and drops
// the device's overrides of that template's attributes.
func (s *Service) RemoveTemplateFromDevice(ctx context.Context, tc tenant.Context, id, templateID string) (res *DeviceResult, err error) {
	defer func() { s.observe("remove_template", err) }()

	if err := checkTenant(tc); err != nil {
		return nil, err
	}
	return s.mutate(ctx, tc, id, "remove_template", func(ctx context.Context, repo Repository, old *Device) (*Device, AttributeSet, error) {
		if !old.HasTemplate(templateID) {
			return nil, nil, notFoundf("template %s is not associated with device %s", templateID, id)
		}
		d := old.DeepCopy()
		d.Templates = slicesDelete(d.Templates, templateID)
		attrs := d.Attrs[:0]
		for _, a := range d.Attrs {
			if a.TemplateID != templateID {
				attrs = append(attrs, a)
			}
		}
		d.Attrs = attrs
		set, err := prepare(ctx, newStoredResolver(repo, s.logger), tc.Tenant, d)
		return d, set, err
	})
}

// mutate loads device id, applies change and writes the result in one
// transaction, then emits an update event. A change returning a nil
// device leaves storage untouched and emits nothing.
func (s *Service) mutate(
	ctx context.Context,
	tc tenant.Context,
	id, op string,
	change func(context.Context, Repository, *Device) (*Device, AttributeSet, error),
) (*DeviceResult, error) {
	var updated *Device
	var set AttributeSet
	var unchanged *Device

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	err := s.store.WithinTx(opCtx, func(repo Repository) error {
		old, err := repo.FindByID(opCtx, tc.Tenant, id)
		if err != nil {
			return err
		}
		d, attrs, err := change(opCtx, repo, old)
		if err != nil {
			return err
		}
		set = attrs
		if d == nil {
			unchanged = old
			return nil
		}
		if err := s.write(opCtx, repo, tc, d, audit.ActionUpdate, map[string]any{"operation": op}); err != nil {
			return err
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated == nil {
		return &DeviceResult{Device: fullView(unchanged, set), Message: MessageDeviceUpdated}, nil
	}
	view := fullView(updated, set)
	res := &DeviceResult{Device: view, Message: MessageDeviceUpdated}
	res.Warnings = s.notify(ctx, tc, EventUpdate, id, view, nil)
	return res, nil
}

// DeleteDevice removes a device with its attributes and key material.
func (s *Service) DeleteDevice(ctx context.Context, tc tenant.Context, id string) (res *DeleteResult, err error) {
	defer func() { s.observe("delete", err) }()

	if err := checkTenant(tc); err != nil {
		return nil, err
	}
	var removed DeviceView
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	err = s.store.WithinTx(opCtx, func(repo Repository) error {
		d, err := repo.FindByID(opCtx, tc.Tenant, id)
		if err != nil {
			return err
		}
		removed = s.removalView(opCtx, repo, tc.Tenant, d)
		if err := repo.Delete(opCtx, tc.Tenant, id); err != nil {
			return err
		}
		return repo.RecordAudit(opCtx, auditEntry(tc, audit.ActionDelete, id, nil))
	})
	if err != nil {
		return nil, err
	}

	res = &DeleteResult{Result: ResultOK}
	res.Warnings = s.notify(ctx, tc, EventRemove, id, removed, nil)
	return res, nil
}

// DeleteAllDevices removes every device of the tenant.
func (s *Service) DeleteAllDevices(ctx context.Context, tc tenant.Context) (res *DeleteResult, err error) {
	defer func() { s.observe("delete_all", err) }()

	if err := checkTenant(tc); err != nil {
		return nil, err
	}
	var removed []DeviceView
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	err = s.store.WithinTx(opCtx, func(repo Repository) error {
		ids, err := repo.FindIDs(opCtx, tc.Tenant, Query{})
		if err != nil {
			return err
		}
		for _, id := range ids {
			d, err := repo.FindByID(opCtx, tc.Tenant, id)
			if err != nil {
				return err
			}
			removed = append(removed, s.removalView(opCtx, repo, tc.Tenant, d))
		}
		if _, err := repo.DeleteAll(opCtx, tc.Tenant); err != nil {
			return err
		}
		for _, id := range ids {
			if err := repo.RecordAudit(opCtx, auditEntry(tc, audit.ActionDelete, id, nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res = &DeleteResult{Result: ResultOK}
	for _, v := range removed {
		res.Warnings = s.notify(ctx, tc, EventRemove, v.ID, v, res.Warnings)
	}
	s.logger.Info("all devices removed", "tenant", tc.Tenant, "count", len(removed))
	return res, nil
}

// removalView serialises a device about to be removed. A device whose
// templates no longer resolve is still removed, with a terse payload.
func (s *Service) removalView(ctx context.Context, repo Repository, tenantID string, d *Device) DeviceView {
	set, err := newStoredResolver(repo, s.logger).Resolve(ctx, tenantID, d)
	if err != nil {
		s.logger.Warn("removing device with unresolvable templates", "device_id", d.ID, "error", err)
		return terseView(d)
	}
	return fullView(d, set)
}

// GetDevices lists devices page by page. With full set, devices carry
// their resolved attributes; otherwise the terse form is returned. With
// idsOnly only matching ids are read.
func (s *Service) GetDevices(ctx context.Context, tc tenant.Context, p ListParams, full bool) (*ListResult, error) {
	if err := checkTenant(tc); err != nil {
		return nil, err
	}
	q, idsOnly, err := parseListParams(p, s.cfg.DefaultPageSize, s.cfg.MaxPageSize)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, tc, q, idsOnly, full)
}

// GetByTemplate lists devices that reference templateID.
func (s *Service) GetByTemplate(ctx context.Context, tc tenant.Context, p ListParams, templateID string) (*ListResult, error) {
	if err := checkTenant(tc); err != nil {
		return nil, err
	}
	q, idsOnly, err := parseListParams(p, s.cfg.DefaultPageSize, s.cfg.MaxPageSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	if _, err := s.store.GetTemplate(ctx, tc.Tenant, templateID); err != nil {
		return nil, err
	}
	q.TemplateID = templateID
	return s.list(ctx, tc, q, idsOnly, true)
}

func (s *Service) list(ctx context.Context, tc tenant.Context, q Query, idsOnly, full bool) (*ListResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	if idsOnly {
		ids, err := s.store.FindIDs(ctx, tc.Tenant, q)
		if err != nil {
			return nil, err
		}
		return &ListResult{IDs: ids}, nil
	}

	devices, total, err := s.store.FindPage(ctx, tc.Tenant, q)
	if err != nil {
		return nil, err
	}
	res := &ListResult{
		Devices:    make([]DeviceView, 0, len(devices)),
		Pagination: newPagination(q.Page, q.PerPage, total),
	}
	resolver := newStoredResolver(s.store, s.logger)
	for i := range devices {
		d := &devices[i]
		if !full {
			res.Devices = append(res.Devices, terseView(d))
			continue
		}
		set, err := resolver.Resolve(ctx, tc.Tenant, d)
		if err != nil {
			return nil, fmt.Errorf("resolving device %s: %w", d.ID, err)
		}
		res.Devices = append(res.Devices, fullView(d, set))
	}
	return res, nil
}

// ListIDs returns every device id of the tenant.
func (s *Service) ListIDs(ctx context.Context, tc tenant.Context) ([]string, error) {
	if err := checkTenant(tc); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	return s.store.FindIDs(ctx, tc.Tenant, Query{})
}

// GetDevice returns the full serialised form of a device.
func (s *Service) GetDevice(ctx context.Context, tc tenant.Context, id string) (*DeviceView, error) {
	if err := checkTenant(tc); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	d, err := s.store.FindByID(ctx, tc.Tenant, id)
	if err != nil {
		return nil, err
	}
	set, err := newStoredResolver(s.store, s.logger).Resolve(ctx, tc.Tenant, d)
	if err != nil {
		return nil, err
	}
	view := fullView(d, set)
	return &view, nil
}

// ConfigureDevice forwards a configuration to a device through the event
// bus. Every attribute named must be an actuator of the device. Nothing
// about the device is persisted.
func (s *Service) ConfigureDevice(ctx context.Context, tc tenant.Context, id string, req ConfigureRequest) (res *ConfigureResult, err error) {
	defer func() { s.observe("configure", err) }()

	if err := checkTenant(tc); err != nil {
		return nil, err
	}
	if len(req.Attrs) == 0 {
		return nil, invalidf("configuration needs at least one attribute")
	}

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	err = s.store.WithinTx(opCtx, func(repo Repository) error {
		d, err := repo.FindByID(opCtx, tc.Tenant, id)
		if err != nil {
			return err
		}
		set, err := newStoredResolver(repo, s.logger).Resolve(opCtx, tc.Tenant, d)
		if err != nil {
			return err
		}

		names := make([]string, 0, len(req.Attrs))
		for name := range req.Attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			a, ok := set.Find(name)
			if !ok || a.Type != AttrActuator {
				return invalidf("attribute %q is not an actuator of device %s", name, id)
			}
		}
		return repo.RecordAudit(opCtx, auditEntry(tc, audit.ActionConfigure, id, map[string]any{
			"topic": req.Topic,
			"attrs": names,
		}))
	})
	if err != nil {
		return nil, err
	}

	res = &ConfigureResult{Status: StatusConfigured}
	res.Warnings = s.notify(ctx, tc, EventConfigure, id, ConfigurePayload{
		DeviceID: id,
		Topic:    req.Topic,
		Attrs:    deepCopyMap(req.Attrs),
	}, nil)
	return res, nil
}

// write checks label uniqueness, persists d and records an audit entry.
func (s *Service) write(ctx context.Context, repo Repository, tc tenant.Context, d *Device, action string, details map[string]any) error {
	inUse, err := repo.LabelInUse(ctx, tc.Tenant, d.Label, d.ID)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: %q", ErrLabelInUse, d.Label)
	}
	if err := repo.Upsert(ctx, tc.Tenant, d); err != nil {
		return err
	}
	if details == nil {
		details = map[string]any{}
	}
	details["label"] = d.Label
	details["revision"] = d.Revision
	return repo.RecordAudit(ctx, auditEntry(tc, action, d.ID, details))
}

func (s *Service) notify(ctx context.Context, tc tenant.Context, kind EventKind, deviceID string, data any, warnings []string) []string {
	if w := s.notifier.Publish(ctx, tc.Tenant, kind, deviceID, data); w != "" {
		return append(warnings, w)
	}
	return warnings
}

func (s *Service) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
		if outcome == KindInternal {
			s.logger.Error("device operation failed", "operation", op, "error", err)
		}
	}
	s.metrics.ObserveOperation(op, outcome)
}

func checkTenant(tc tenant.Context) error {
	if err := tc.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}

func auditEntry(tc tenant.Context, action, deviceID string, details map[string]any) *audit.AuditLog {
	return &audit.AuditLog{
		Tenant:     tc.Tenant,
		Action:     action,
		EntityType: audit.EntityDevice,
		EntityID:   deviceID,
		UserID:     tc.Username,
		Source:     auditSource,
		Details:    details,
	}
}

// deviceFromSpec builds an unsaved device from a validated spec.
func deviceFromSpec(spec DeviceSpec) *Device {
	d := &Device{
		ID:        spec.ID,
		Label:     spec.Label,
		Templates: append([]string{}, spec.Templates...),
		Meta:      deepCopyMap(spec.Meta),
	}
	for _, as := range spec.Attrs {
		a := Attribute{
			Label:      as.Label,
			TemplateID: as.TemplateID,
			Type:       as.attrType(),
			ValueType:  as.ValueType,
		}
		if as.StaticValue != nil {
			v := *as.StaticValue
			a.StaticValue = &v
		}
		d.Attrs = append(d.Attrs, a)
	}
	return d
}

// prepare resolves d and copies each overridden attribute's kind and
// value type from its template definition onto the override row.
func prepare(ctx context.Context, resolver *Resolver, tenantID string, d *Device) (AttributeSet, error) {
	set, err := resolver.Resolve(ctx, tenantID, d)
	if err != nil {
		return nil, err
	}
	for i := range d.Attrs {
		o := &d.Attrs[i]
		if o.TemplateID == "" {
			continue
		}
		for _, def := range set[o.TemplateID] {
			if def.Label == o.Label {
				o.Type = def.Type
				o.ValueType = def.ValueType
				break
			}
		}
	}
	return set, nil
}

// carryKeys copies key material from old onto the psk slots that d still
// has. It reports whether anything was carried.
func carryKeys(old, d *Device, set AttributeSet) bool {
	carried := false
	for _, oa := range old.Attrs {
		if oa.Key == nil {
			continue
		}
		if row := d.attr(oa.TemplateID, oa.Label); row != nil {
			if row.IsPSK() && row.Key == nil {
				row.Key = oa.Key.clone()
				carried = true
			}
			continue
		}
		if oa.TemplateID == "" {
			continue
		}
		for _, def := range set[oa.TemplateID] {
			if def.Label == oa.Label && def.IsPSK() {
				d.Attrs = append(d.Attrs, Attribute{
					Label:      def.Label,
					TemplateID: oa.TemplateID,
					Type:       def.Type,
					ValueType:  def.ValueType,
					CreatedAt:  oa.CreatedAt,
					Key:        oa.Key.clone(),
				})
				carried = true
				break
			}
		}
	}
	return carried
}

func slicesDelete(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
