package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/device-manager/internal/device"
)

// maxBodyBytes bounds request bodies on the device routes.
const maxBodyBytes = 1 << 20

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// listParams collects the listing filters from the query string. attr and
// attr_type may repeat.
func listParams(r *http.Request) device.ListParams {
	q := r.URL.Query()
	return device.ListParams{
		PageNumber: q.Get("page_number"),
		PerPage:    q.Get("per_page"),
		SortBy:     q.Get("sortBy"),
		Label:      q.Get("label"),
		Attr:       q["attr"],
		AttrType:   q["attr_type"],
		IDsOnly:    q.Get("idsOnly"),
	}
}

// handleListDevices returns a page of devices.
//
// Query parameters:
//   - page_number, per_page: pagination
//   - sortBy: label, -label, created, -created
//   - label: case-insensitive label substring
//   - attr: key=value static value filter, repeatable
//   - attr_type: attribute kind or value type, repeatable
//   - idsOnly: return ids only
//   - full: "false" returns the terse {id, label} form
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") != "false"
	res, err := s.devices.GetDevices(r.Context(), tenantFrom(r), listParams(r), full)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListByTemplate returns the devices that reference a template.
func (s *Server) handleListByTemplate(w http.ResponseWriter, r *http.Request) {
	res, err := s.devices.GetByTemplate(r.Context(), tenantFrom(r), listParams(r), chi.URLParam(r, "templateID"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListDeviceIDs returns every device id of the tenant.
func (s *Server) handleListDeviceIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.devices.ListIDs(r.Context(), tenantFrom(r))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	view, err := s.devices.GetDevice(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCreateDevice creates count devices from one spec.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var spec device.DeviceSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	q := r.URL.Query()
	res, err := s.devices.CreateDevice(r.Context(), tenantFrom(r), spec, device.CreateParams{
		Count:   q.Get("count"),
		Verbose: q.Get("verbose"),
	})
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleUpdateDevice replaces a device's label, templates and attributes.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var spec device.DeviceSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	res, err := s.devices.UpdateDevice(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), spec)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeleteDevice removes a device by ID.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	res, err := s.devices.DeleteDevice(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeleteAllDevices removes every device of the tenant.
func (s *Server) handleDeleteAllDevices(w http.ResponseWriter, r *http.Request) {
	res, err := s.devices.DeleteAllDevices(r.Context(), tenantFrom(r))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddTemplate(w http.ResponseWriter, r *http.Request) {
	res, err := s.devices.AddTemplateToDevice(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "templateID"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveTemplate(w http.ResponseWriter, r *http.Request) {
	res, err := s.devices.RemoveTemplateFromDevice(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "templateID"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleConfigureDevice forwards actuator values to a device.
func (s *Server) handleConfigureDevice(w http.ResponseWriter, r *http.Request) {
	var req device.ConfigureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.devices.ConfigureDevice(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGenPSK generates keys for a device's psk attributes.
//
// Query parameters:
//   - key_length: key size in bits (required)
//   - target_attributes: comma separated psk labels, all when absent
func (s *Server) handleGenPSK(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bits, err := strconv.Atoi(q.Get("key_length"))
	if err != nil {
		writeBadRequest(w, "key_length must be an integer")
		return
	}
	var targets []string
	if raw := q.Get("target_attributes"); raw != "" {
		for _, label := range strings.Split(raw, ",") {
			if label = strings.TrimSpace(label); label != "" {
				targets = append(targets, label)
			}
		}
	}

	res, err := s.devices.GenPSK(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), bits, targets)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// copyPSKRequest names the key to copy onto the routed device attribute.
type copyPSKRequest struct {
	FromDeviceID string `json:"from_device_id"`
	FromAttr     string `json:"from_attr_label"`
}

// handleCopyPSK copies key material from another psk attribute.
func (s *Server) handleCopyPSK(w http.ResponseWriter, r *http.Request) {
	var req copyPSKRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FromDeviceID == "" || req.FromAttr == "" {
		writeBadRequest(w, "from_device_id and from_attr_label are required")
		return
	}
	err := s.devices.CopyPSK(r.Context(), tenantFrom(r),
		req.FromDeviceID, req.FromAttr,
		chi.URLParam(r, "id"), chi.URLParam(r, "label"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
