package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// restProxyPaths are the REST pass-through routes served alongside the
// WebSocket surface: quote/profile/news/financials/earnings/dividends,
// plus the bars range/latest variants.
var restProxyPaths = []string{
	"bars", "bars/range", "bars/latest",
	"quote", "profile", "news", "financials", "earnings", "dividends",
}

// registerHTTPRoutes wires the gateway's HTTP surface: a thin REST proxy
// in front of RESTBaseURL and a /health endpoint.
func (g *Gateway) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)

	for _, path := range restProxyPaths {
		p := path
		mux.HandleFunc("/api/"+p+"/", g.proxyHandler(p))
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	MaxConns    int    `json:"max_connections"`
	Timestamp   int64  `json:"timestamp"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Connections: g.registry.Count(),
		MaxConns:    g.cfg.Guard.MaxConnections,
		Timestamp:   time.Now().UnixMilli(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// errorResponse is the envelope returned for any REST proxy failure.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// writeError writes an errorResponse with the given status, which must be
// one of the codes the REST surface is allowed to return to clients:
// 400, 404, 502, 503, 504.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Success: false, Error: msg})
}

// proxyHandler forwards GET /api/<name>/<symbol>[...] to RESTBaseURL,
// streaming the upstream response body back verbatim. Failures are
// reported as a {success:false, error} JSON envelope rather than the
// upstream's own body.
func (g *Gateway) proxyHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusBadRequest, "method not allowed")
			return
		}

		target := strings.TrimRight(g.cfg.RESTBaseURL, "/") + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}

		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad upstream request")
			return
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			g.logger.Warn().Err(err).Str("proxy", name).Str("target", target).Msg("proxy request failed")
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("upstream %s unreachable", name))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			writeError(w, http.StatusNotFound, fmt.Sprintf("%s not found", name))
			return
		}
		if resp.StatusCode >= 500 {
			writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream %s error", name))
			return
		}

		for k, vals := range resp.Header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}
