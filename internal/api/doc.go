// Package api serves the device manager's HTTP surface.
//
// Operational routes need no token:
//
//	GET /healthz   dependency checks (database, event bus, history sink)
//	GET /metrics   Prometheus exposition
//
// Device routes read the caller's tenant from the Authorization bearer
// token and delegate to device.Service:
//
//	GET    /api/v1/devices                          list (page_number, per_page, sortBy, label, attr, attr_type, idsOnly)
//	POST   /api/v1/devices                          create (count, verbose)
//	DELETE /api/v1/devices                          delete all
//	GET    /api/v1/devices/ids                      every id
//	GET    /api/v1/devices/template/{templateID}    list by template
//	GET    /api/v1/devices/{id}                     get
//	PUT    /api/v1/devices/{id}                     update
//	DELETE /api/v1/devices/{id}                     delete
//	POST   /api/v1/devices/{id}/templates/{tid}     associate template
//	DELETE /api/v1/devices/{id}/templates/{tid}     dissociate template
//	PUT    /api/v1/devices/{id}/configure           forward actuator values
//	POST   /api/v1/devices/{id}/psk                 gen_psk (key_length, target_attributes)
//	POST   /api/v1/devices/{id}/attrs/{label}/psk   copy_psk
//
// Device error kinds map to statuses: NotFound 404, InvalidArgument 400,
// AttributeConflict and Conflict 409, IdGenerationExhausted 503, anything
// else 500.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
