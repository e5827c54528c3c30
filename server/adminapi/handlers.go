package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/migadu/policyd/acl"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/greylist"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/health"
)

// Request/Response types

// TripletRequest names a greylist triplet. Client may be an address, which
// is aggregated like the milter path does, or an already aggregated prefix.
type TripletRequest struct {
	Client    string `json:"client"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

type RecordResponse struct {
	Client     string     `json:"client"`
	Sender     string     `json:"sender"`
	Recipient  string     `json:"recipient"`
	Created    time.Time  `json:"created"`
	Deadline   time.Time  `json:"deadline"`
	VisaExpiry *time.Time `json:"visa_expiry,omitempty"`
	Valid      bool       `json:"valid"`
	Passes     int64      `json:"passes"`
	Forced     bool       `json:"forced,omitempty"`
}

type RuleResponse struct {
	Name      string `json:"name"`
	Stages    string `json:"stages"`
	Condition string `json:"condition,omitempty"`
	Action    string `json:"action"`
	Macro     string `json:"macro,omitempty"`
}

type RulesResponse struct {
	Rules  []RuleResponse            `json:"rules"`
	Macros map[string][]RuleResponse `json:"macros,omitempty"`
}

type StatusResponse struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	Rules             int   `json:"rules"`
	Greylisting       bool  `json:"greylisting"`
}

type HealthResponse struct {
	Status     health.ComponentStatus       `json:"status"`
	Components map[string]health.CheckState `json:"components"`
}

func toRecordResponse(r greylist.Record) RecordResponse {
	out := RecordResponse{
		Client:    r.Key.Client,
		Sender:    r.Key.Sender,
		Recipient: r.Key.Recipient,
		Created:   r.Created.UTC(),
		Deadline:  r.Deadline.UTC(),
		Valid:     r.Valid,
		Passes:    r.Passes,
		Forced:    r.Forced,
	}
	if !r.VisaExpiry.IsZero() {
		v := r.VisaExpiry.UTC()
		out.VisaExpiry = &v
	}
	return out
}

func toRuleResponses(rules []*acl.Rule) []RuleResponse {
	out := make([]RuleResponse, 0, len(rules))
	for _, r := range rules {
		rr := RuleResponse{
			Name:   r.Name,
			Stages: r.Stages.String(),
			Action: r.Action.Kind.String(),
			Macro:  r.Action.Macro,
		}
		if r.Condition != nil {
			rr.Condition = r.Condition.String()
		}
		out = append(out, rr)
	}
	return out
}

// key normalizes a triplet the way the greylist engine does.
func (s *Server) key(req TripletRequest) greylist.Key {
	n := s.greylist.Config().Normalizer
	client := strings.TrimSpace(req.Client)
	if a, err := netip.ParseAddr(client); err == nil {
		return n.Key(a, req.Sender, req.Recipient)
	}
	k := n.Key(netip.Addr{}, req.Sender, req.Recipient)
	k.Client = client
	return k
}

func (s *Server) requireGreylist(w http.ResponseWriter) bool {
	if s.greylist == nil {
		s.writeError(w, http.StatusNotFound, "Greylisting is not configured")
		return false
	}
	return true
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	logger.Error("Admin API: greylist operation failed", "op", op, "error", err)
	if errors.Is(err, consts.ErrPersistence) {
		s.writeError(w, http.StatusServiceUnavailable, "Greylist store unavailable")
		return
	}
	s.writeError(w, http.StatusInternalServerError, "Greylist operation failed")
}

func decodeTriplet(w http.ResponseWriter, r *http.Request) (TripletRequest, error) {
	var req TripletRequest
	if r.Body != nil && r.ContentLength != 0 {
		defer r.Body.Close()
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			return req, err
		}
		return req, nil
	}
	q := r.URL.Query()
	req.Client = q.Get("client")
	req.Sender = q.Get("sender")
	req.Recipient = q.Get("recipient")
	return req, nil
}

// Handler functions

func (s *Server) handleListGreylist(w http.ResponseWriter, r *http.Request) {
	if !s.requireGreylist(w) {
		return
	}
	q := r.URL.Query()
	filter := greylist.Key{}
	if q.Get("client") != "" || q.Get("sender") != "" || q.Get("recipient") != "" {
		filter = s.key(TripletRequest{Client: q.Get("client"), Sender: q.Get("sender"), Recipient: q.Get("recipient")})
	}
	records, err := s.greylist.Snapshot(r.Context(), filter)
	if err != nil {
		s.storeError(w, "list", err)
		return
	}
	out := make([]RecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": out, "count": len(out)})
}

func (s *Server) handlePassGreylist(w http.ResponseWriter, r *http.Request) {
	if !s.requireGreylist(w) {
		return
	}
	req, err := decodeTriplet(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Client == "" || req.Recipient == "" {
		s.writeError(w, http.StatusBadRequest, "client and recipient are required")
		return
	}
	rec, err := s.greylist.ForcePass(r.Context(), s.key(req), s.now())
	if err != nil {
		s.storeError(w, "pass", err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

func (s *Server) handleDeleteGreylist(w http.ResponseWriter, r *http.Request) {
	if !s.requireGreylist(w) {
		return
	}
	req, err := decodeTriplet(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Client == "" || req.Recipient == "" {
		s.writeError(w, http.StatusBadRequest, "client and recipient are required")
		return
	}
	k := s.key(req)
	if _, found, err := s.greylist.Lookup(r.Context(), k); err != nil {
		s.storeError(w, "lookup", err)
		return
	} else if !found {
		s.writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	if err := s.greylist.Remove(r.Context(), k); err != nil {
		s.storeError(w, "delete", err)
		return
	}
	logger.Info("Admin API: greylist record deleted", "key", k.String())
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Record deleted"})
}

func (s *Server) handleGreylistStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireGreylist(w) {
		return
	}
	st, err := s.greylist.Stats(r.Context())
	if err != nil {
		s.storeError(w, "stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"pending": st.Pending, "valid": st.Valid})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		s.writeError(w, http.StatusNotFound, "No rule engine")
		return
	}
	rs := s.rules.Rules()
	resp := RulesResponse{Rules: toRuleResponses(rs.Rules)}
	if len(rs.Macros) > 0 {
		resp.Macros = make(map[string][]RuleResponse, len(rs.Macros))
		for name, rules := range rs.Macros {
			resp.Macros[name] = toRuleResponses(rules)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		s.writeError(w, http.StatusNotImplemented, "Reload is not available")
		return
	}
	if err := s.reload(r.Context()); err != nil {
		logger.Warn("Admin API: rule reload failed", "error", err)
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Rules reloaded"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Greylisting: s.greylist != nil}
	if s.connections != nil {
		resp.TotalConnections = s.connections.GetTotalConnections()
		resp.ActiveConnections = s.connections.GetActiveConnections()
	}
	if s.rules != nil {
		resp.Rules = len(s.rules.Rules().Rules)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleHealth answers 503 while a critical component is unhealthy so it
// can back a load balancer probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, HealthResponse{Status: health.StatusHealthy, Components: map[string]health.CheckState{}})
		return
	}
	resp := HealthResponse{Status: s.health.GetOverallStatus(), Components: s.health.Snapshot()}
	code := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}
