// Package device implements the device lifecycle engine of the device
// manager.
//
// A device is a tenant-scoped endpoint with a label, an ordered list of
// template references and the attribute rows it owns. Templates are
// owned by another service and are only read here; their attribute
// definitions are merged into the device's effective attribute set on
// every read and write.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────────┐
//	│                          Lifecycle Service                               │
//	│                          (service.go, service_psk.go)                    │
//	│                                                                          │
//	│  ┌──────────────────┐    ┌──────────────────┐    ┌──────────────────┐   │
//	│  │     Resolver     │    │    PSKEngine     │    │    Validation    │   │
//	│  │  (resolver.go)   │    │ (psk.go, sealer) │    │ (validation.go)  │   │
//	│  │                  │    │                  │    │                  │   │
//	│  │ • Template merge │    │ • Key generation │    │ • Spec checks    │   │
//	│  │ • Overrides      │    │ • Sealing at rest│    │ • Count / flags  │   │
//	│  │ • Conflicts      │    │ • Rebind on copy │    │ • Key lengths    │   │
//	│  └──────────────────┘    └──────────────────┘    └──────────────────┘   │
//	│           │                                                              │
//	│           ▼                                                              │
//	│  ┌──────────────────┐                        ┌──────────────────┐       │
//	│  │   Repository     │                        │     Notifier     │       │
//	│  │ (repository.go)  │                        │  (notifier.go)   │       │
//	│  │ one tx per op    │                        │ after commit     │       │
//	│  └──────────────────┘                        └──────────────────┘       │
//	└───────────│───────────────────────────────────────────│──────────────────┘
//	            ▼                                           ▼
//	┌──────────────────────┐                   ┌──────────────────────┐
//	│   SQLite Database    │                   │  MQTT / NATS bus     │
//	│ devices, device_attrs│                   │  InfluxDB history    │
//	└──────────────────────┘                   └──────────────────────┘
//
// # Transactions
//
// Every mutating operation runs read, validate and write inside one
// Store.WithinTx call. Templates are read through the transactional
// Repository as well, so resolution sees the same snapshot as the write.
// Events are published only after the transaction commits; a failed
// publish is reported as a warning on the result and never undoes the
// write.
//
// Concurrent updates of the same device are detected with a revision
// counter and fail with ErrConflict.
//
// # Pre-shared keys
//
// Attributes with value_type "psk" hold key material. Keys are sealed
// with XChaCha20-Poly1305 bound to (tenant, device, label) and are never
// part of a serialised device. GenPSK is the only call that returns raw
// key bytes.
//
// # Usage
//
//	store := device.NewSQLiteStore(db.DB)
//	sealer, err := device.NewSealer([]byte(cfg.PSK.Secret))
//	if err != nil {
//	    return err
//	}
//	notifier := device.NewNotifier(bus, device.NotifierConfig{TopicPrefix: "devicemanager"})
//	svc := device.NewService(store, device.NewPSKEngine(sealer), notifier, device.ServiceConfig{})
//
//	res, err := svc.CreateDevice(ctx, tc, device.DeviceSpec{
//	    Label:     "meter",
//	    Templates: []string{"t1"},
//	}, device.CreateParams{Count: "1", Verbose: "true"})
package device
