package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/shieldgate/internal/logging"
	"github.com/mbd888/shieldgate/internal/metrics"
	"github.com/mbd888/shieldgate/internal/protection"
)

// upstreamHandler forwards allowed requests to the fronted application.
func upstreamHandler(target *url.URL, logger *slog.Logger) gin.HandlerFunc {
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host
		if id := logging.RequestID(req.Context()); id != "" {
			req.Header.Set("X-Request-ID", id)
		}
		if d, ok := protection.FromContext(req.Context()); ok {
			req.Header.Set(protection.HeaderDecision, d.ID)
		}
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		metrics.ProxiedRequestsTotal.WithLabelValues(metrics.StatusBucket(resp.StatusCode)).Inc()
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logging.L(r.Context()).Error("upstream application unreachable",
			"error", err,
			"path", r.URL.Path,
		)
		metrics.ProxiedRequestsTotal.WithLabelValues("error").Inc()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(gin.H{
			"error":   "bad_gateway",
			"message": "Upstream application unavailable",
		})
	}
	logger.Info("proxying allowed requests", "upstream", target.String())

	return func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	}
}

// stubHandler answers allowed requests when no upstream application is
// configured, so the gateway can run stand-alone.
func stubHandler(c *gin.Context) {
	resp := gin.H{
		"ok":     true,
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
	}
	if d, ok := protection.DecisionFrom(c); ok {
		resp["decision"] = d
	}
	c.JSON(http.StatusOK, resp)
}
