// Provider HTTP handlers.
//
// Operator endpoints over the AI provider layer:
//   - GET    /providers/health          (registered providers and breaker state)
//   - POST   /providers/{name}/reset    (force a breaker back to CLOSED)
package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credit-backend/internal/http/middleware"
	"github.com/tbourn/go-credit-backend/internal/providers"
	"github.com/tbourn/go-credit-backend/internal/resilience"
)

// ProviderHealth is one provider's entry in the health report.
type ProviderHealth struct {
	Name    string                     `json:"name"`
	Healthy bool                       `json:"healthy"`
	Breaker resilience.ProviderMetrics `json:"breaker"`
}

// ProvidersHealthResponse lists every registered provider. Healthy is
// false only while the provider's breaker is OPEN.
type ProvidersHealthResponse struct {
	Providers []ProviderHealth `json:"providers"`
}

// ProvidersHealth godoc
// @ID          providersHealth
// @Summary     Provider health
// @Description Circuit breaker state per registered AI provider. Providers that have not been called yet report CLOSED with zero counters.
// @Tags        Providers
// @Produce     json
//
// @Success     200  {object}  handlers.ProvidersHealthResponse
// @Router      /providers/health [get]
func (h *Handlers) ProvidersHealth(c *gin.Context) {
	seen := map[string]resilience.ProviderMetrics{}
	for _, m := range h.breaker.AllMetrics() {
		seen[m.Provider] = m
	}
	names := h.providers.Names()
	for name := range seen {
		if !h.providers.Has(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]ProviderHealth, 0, len(names))
	for _, name := range names {
		m, found := seen[name]
		if !found {
			m = h.breaker.ProviderMetrics(name)
		}
		out = append(out, ProviderHealth{Name: name, Healthy: m.State != resilience.StateOpen, Breaker: m})
	}
	ok(c, http.StatusOK, ProvidersHealthResponse{Providers: out})
}

// ResetProvider godoc
// @ID          resetProvider
// @Summary     Reset a provider's circuit breaker
// @Tags        Providers
// @Produce     json
//
// @Param       name  path  string  true  "Provider name"  example(openai)
//
// @Success     200  {object}  handlers.ProviderHealth
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown provider"
// @Router      /providers/{name}/reset [post]
func (h *Handlers) ResetProvider(c *gin.Context) {
	name := strings.ToLower(strings.TrimSpace(c.Param("name")))
	if !h.providers.Has(name) {
		writeError(c, providers.ErrUnknownProvider)
		return
	}
	h.breaker.Reset(name)
	middleware.LoggerFrom(c).Info().Str("provider", name).Msg("circuit breaker reset")
	m := h.breaker.ProviderMetrics(name)
	ok(c, http.StatusOK, ProviderHealth{Name: name, Healthy: true, Breaker: m})
}
