package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/AbdulRehman2040/speed-test-api/internal/measure"
	"github.com/AbdulRehman2040/speed-test-api/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 1000
)

// errorPayload is the body of every error response.
type errorPayload struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// reportSummary is one row of the history list.
type reportSummary struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	Download        string    `json:"download"`
	Upload          string    `json:"upload"`
	UploadEstimated bool      `json:"upload_estimated"`
	Ping            string    `json:"ping"`
	IP              string    `json:"ip"`
	Country         string    `json:"country"`
	City            string    `json:"city"`
	Region          string    `json:"region"`
	ISP             string    `json:"isp"`
	FailedProbes    []string  `json:"failed_probes"`
}

// handleRoot reports that the service is up.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Server is running! Try /network-metrics for speed test.")
}

// handleHealth returns 200 while the process is serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNetworkMetrics runs one measurement and returns its report.
func (s *Server) handleNetworkMetrics(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.RateLimited()
		}
		s.logger.Warn("measurement rate limited", "client", s.clientAddress(r))
		jsonError(w, http.StatusTooManyRequests, "Too many requests", "measurement rate limit exceeded, try again later")
		return
	}

	req := measure.Request{
		ClientAddr: s.clientAddress(r),
		Network:    s.networkInfo(r),
	}
	s.logger.Debug("measurement requested", "client", req.ClientAddr, "user_agent", r.UserAgent())

	report, err := s.measurer.Measure(r.Context(), req)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "Failed to perform network metrics test", err.Error())
		return
	}

	body, err := json.Marshal(report)
	if err != nil {
		s.logger.Error("failed to encode report", "error", err)
		jsonError(w, http.StatusInternalServerError, "Failed to perform network metrics test", err.Error())
		return
	}

	if id := s.saveReport(report); id != "" {
		w.Header().Set("X-Report-ID", id)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// saveReport stores the report in history and returns its ID. Storage
// failures are logged and do not fail the request.
func (s *Server) saveReport(report *measure.Report) string {
	if s.store == nil {
		return ""
	}
	rec, err := report.Record()
	if err != nil {
		s.logger.Warn("failed to build history record", "error", err)
		return ""
	}
	if err := s.store.SaveMeasurement(rec); err != nil {
		s.logger.Warn("failed to save measurement", "error", err)
		return ""
	}
	if limit := s.config.Server.HistoryLimit; limit > 0 {
		if _, err := s.store.PruneMeasurements(limit); err != nil {
			s.logger.Warn("failed to prune measurement history", "error", err)
		}
	}
	return rec.ID
}

// handleListReports returns stored reports, newest first.
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusNotFound, "History disabled", "report history is not enabled")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "Invalid limit", fmt.Sprintf("limit must be a positive integer, got %q", raw))
			return
		}
		limit = min(n, maxListLimit)
	}

	rows, err := s.store.ListMeasurements(limit)
	if err != nil {
		s.logger.Error("failed to list measurements", "error", err)
		jsonError(w, http.StatusInternalServerError, "Failed to list reports", err.Error())
		return
	}

	out := make([]reportSummary, 0, len(rows))
	for _, m := range rows {
		upload := measure.FormatMbps(m.UploadMbps)
		if m.UploadEstimated {
			upload += " (estimated)"
		}
		failed := m.FailedProbes
		if failed == nil {
			failed = []string{}
		}
		out = append(out, reportSummary{
			ID:              m.ID,
			CreatedAt:       m.CreatedAt,
			Download:        measure.FormatMbps(m.DownloadMbps),
			Upload:          upload,
			UploadEstimated: m.UploadEstimated,
			Ping:            measure.FormatMs(m.PingMs),
			IP:              m.IP,
			Country:         m.Country,
			City:            m.City,
			Region:          m.Region,
			ISP:             m.ISP,
			FailedProbes:    failed,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetReport returns one stored report exactly as it was served.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusNotFound, "History disabled", "report history is not enabled")
		return
	}

	id := mux.Vars(r)["id"]
	m, err := s.store.GetMeasurement(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "Report not found", fmt.Sprintf("no report with id %q", id))
			return
		}
		s.logger.Error("failed to get measurement", "id", id, "error", err)
		jsonError(w, http.StatusInternalServerError, "Failed to load report", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m.ReportJSON))
}

// clientAddress returns the caller's address. Proxy headers are honoured
// only when the direct peer is a trusted proxy.
func (s *Server) clientAddress(r *http.Request) string {
	if !s.fromTrustedProxy(r) {
		return r.RemoteAddr
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

func (s *Server) fromTrustedProxy(r *http.Request) bool {
	if len(s.trustedProxies) == 0 {
		return false
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// networkInfo describes the inbound request.
func (s *Server) networkInfo(r *http.Request) *measure.NetworkInfo {
	ip := s.clientAddress(r)
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	protocol := "http"
	if r.TLS != nil {
		protocol = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" && s.fromTrustedProxy(r) {
		protocol = strings.ToLower(strings.TrimSpace(proto))
	}

	return &measure.NetworkInfo{
		IP:          ip,
		Protocol:    protocol,
		HTTPVersion: fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		UserAgent:   r.UserAgent(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// jsonError writes the error payload with the given status code.
func jsonError(w http.ResponseWriter, code int, label, message string) {
	writeJSON(w, code, errorPayload{
		Error:     label,
		Message:   message,
		Timestamp: time.Now().UTC().Format(measure.TimestampLayout),
	})
}
