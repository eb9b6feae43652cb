package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/coordinator"
)

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleAPIAttribute(w http.ResponseWriter, r *http.Request) {
	attr := r.PathValue("attr")
	v, ok := s.coord.State().Get(attr)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "attribute not set"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"attr": attr, "value": v})
}

type ruleView struct {
	Attr        string  `json:"attr"`
	Domain      string  `json:"domain"`
	Kind        string  `json:"kind"`
	Parent      string  `json:"parent,omitempty"`
	Writable    bool    `json:"writable"`
	Icon        string  `json:"icon,omitempty"`
	DeviceClass string  `json:"device_class,omitempty"`
	Unit        string  `json:"unit,omitempty"`
	Category    string  `json:"entity_category,omitempty"`
	Min         float64 `json:"min,omitempty"`
	Max         float64 `json:"max,omitempty"`
	Step        float64 `json:"step,omitempty"`
}

func (s *Server) handleAPIRules(w http.ResponseWriter, r *http.Request) {
	rules := s.coord.Registry().Rules()
	out := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		if rule.Options.Internal {
			continue
		}
		out = append(out, ruleView{
			Attr:        rule.Attr,
			Domain:      rule.Domain,
			Kind:        rule.Kind.String(),
			Parent:      rule.Parent,
			Writable:    rule.Setting != "" || rule.Kind == convert.KindAction,
			Icon:        rule.Options.Icon,
			DeviceClass: rule.Options.DeviceClass,
			Unit:        rule.Options.Unit,
			Category:    rule.Options.Category,
			Min:         rule.Options.Min,
			Max:         rule.Options.Max,
			Step:        rule.Options.Step,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIVehicle(w http.ResponseWriter, r *http.Request) {
	v := s.coord.Vehicle()
	s.writeJSON(w, http.StatusOK, map[string]string{
		"vin":   v.VIN,
		"short": v.Short,
		"name":  v.Name,
		"model": v.Model,
		"color": v.Color,
	})
}

type scheduleView struct {
	IntervalSeconds  float64              `json:"interval_seconds"`
	PrimarySeconds   float64              `json:"primary_seconds"`
	SecondarySeconds float64              `json:"secondary_seconds"`
	Override         bool                 `json:"override"`
	DoorAlertActive  bool                 `json:"door_alert_active"`
	LastRun          map[string]time.Time `json:"last_run"`
}

func (s *Server) handleAPISchedule(w http.ResponseWriter, r *http.Request) {
	sch := s.coord.Schedule()
	view := scheduleView{
		IntervalSeconds:  sch.Interval().Seconds(),
		PrimarySeconds:   sch.Primary().Seconds(),
		SecondarySeconds: sch.Secondary().Seconds(),
		Override:         sch.Overridden(),
		DoorAlertActive:  s.coord.DoorAlertActive(),
		LastRun:          make(map[string]time.Time),
	}
	for _, ep := range []string{coordinator.EndpointCheck, coordinator.EndpointTire, coordinator.EndpointMileage} {
		if t := sch.LastRun(ep); !t.IsZero() {
			view.LastRun[ep] = t
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAPISettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Settings())
}

type targetView struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (s *Server) handleAPITargets(w http.ResponseWriter, r *http.Request) {
	out := []targetView{}
	if s.targets != nil {
		for _, t := range s.targets.Targets() {
			out = append(out, targetView{ID: t.ID, Name: t.Name, Attributes: t.Attributes})
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

type setAttributeRequest struct {
	Value any `json:"value"`
}

// handleAPISetAttribute writes a setting-backed attribute. Telemetry
// attributes have no outbound path and actions go through /api/actions.
func (s *Server) handleAPISetAttribute(w http.ResponseWriter, r *http.Request) {
	attr := r.PathValue("attr")

	rule, ok := s.coord.Registry().Lookup(attr)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown attribute"})
		return
	}
	if rule.Kind == convert.KindAction {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action attribute, use /api/actions/" + attr})
		return
	}
	if rule.Setting == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": convert.ErrNotWritable.Error()})
		return
	}

	var req setAttributeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	eff, err := s.coord.SetValue(r.Context(), attr, req.Value)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "attr": attr, "value": eff.Value})
}

func (s *Server) handleAPIPress(w http.ResponseWriter, r *http.Request) {
	attr := r.PathValue("attr")

	res, err := s.coord.Press(r.Context(), attr)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, convert.ErrUnknownAttr):
			status = http.StatusNotFound
		case errors.Is(err, convert.ErrNotWritable), errors.Is(err, convert.ErrNoMapping):
			status = http.StatusBadRequest
		case errors.Is(err, coordinator.ErrNoCoordinates), errors.Is(err, coordinator.ErrNoAddress):
			status = http.StatusConflict
		case errors.Is(err, coordinator.ErrNoGeocoder):
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("action failed", "attr", attr, "err", err)
		s.writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	if res == nil {
		res = convert.Attributes{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": res})
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Refresh(r.Context()); err != nil {
		s.logger.Warn("manual refresh", "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleAPIRefreshAddress(w http.ResponseWriter, r *http.Request) {
	err := s.coord.RefreshAddress(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrNoCoordinates), errors.Is(err, coordinator.ErrNoAddress):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, coordinator.ErrNoGeocoder):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	default:
		s.logger.Warn("address refresh", "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	snap := s.coord.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		convert.AttrAddress:       snap[convert.AttrAddress],
		convert.AttrAddressDetail: snap[convert.AttrAddressDetail],
	})
}

type windowRequest struct {
	Status *int `json:"status"`
}

func (s *Server) handleAPIWindow(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Status == nil || (*req.Status != 0 && *req.Status != 1) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be 0 (close) or 1 (open)"})
		return
	}

	res, err := s.coord.ControlWindow(r.Context(), *req.Status)
	if err != nil {
		s.logger.Warn("window control", "status", *req.Status, "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if res == nil {
		res = convert.Attributes{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": res})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
