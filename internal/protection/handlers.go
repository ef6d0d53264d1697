package protection

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/shieldgate/internal/circuitbreaker"
)

// BreakerAdmin is the administrative breaker surface.
type BreakerAdmin interface {
	Snapshot() circuitbreaker.Snapshot
	ForceReset()
}

// Handler provides admin endpoints for the protection subsystem.
type Handler struct {
	breaker BreakerAdmin
	catalog *Catalog
	live    bool
}

// NewHandler creates a new protection admin handler.
func NewHandler(breaker BreakerAdmin, catalog *Catalog, live bool) *Handler {
	return &Handler{breaker: breaker, catalog: catalog, live: live}
}

// RegisterRoutes sets up admin routes under an admin-guarded group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/protection/breaker", h.GetBreaker)
	r.POST("/protection/breaker/reset", h.ResetBreaker)
	r.GET("/protection/rulesets", h.ListRuleSets)
}

// GetBreaker handles GET /admin/protection/breaker
func (h *Handler) GetBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"breaker":  h.breaker.Snapshot(),
		"provider": h.providerMode(),
	})
}

// ResetBreaker handles POST /admin/protection/breaker/reset
func (h *Handler) ResetBreaker(c *gin.Context) {
	h.breaker.ForceReset()
	c.JSON(http.StatusOK, gin.H{"breaker": h.breaker.Snapshot()})
}

// ListRuleSets handles GET /admin/protection/rulesets
func (h *Handler) ListRuleSets(c *gin.Context) {
	type ruleSetView struct {
		Name  string         `json:"name"`
		Paths []string       `json:"paths"`
		Rules []ResolvedRule `json:"rules"`
	}
	sets := h.catalog.Sets()
	out := make([]ruleSetView, 0, len(sets))
	for _, rs := range sets {
		out = append(out, ruleSetView{Name: rs.Name, Paths: rs.Paths, Rules: resolveRules(rs, "")})
	}
	c.JSON(http.StatusOK, gin.H{"ruleSets": out, "count": len(out)})
}

func (h *Handler) providerMode() string {
	if h.live {
		return "live"
	}
	return "fallback_only"
}

// RequireAdmin rejects requests without the configured X-Admin-Secret.
// An empty secret disables the admin surface.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "unauthorized",
					"message": "admin secret required",
				},
			})
			return
		}
		c.Next()
	}
}
