// Route table and middleware chain.
//
// DESIGN: Routes use method-qualified ServeMux patterns. The chain wraps the
// mux outermost-first: panicRecovery, loggingMiddleware, rateLimit,
// security, bodyLimit.
package gateway

import "net/http"

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", g.handleChatCompletions)
	mux.HandleFunc("POST /v1/chat/completions/compare", g.handleCompare)
	mux.HandleFunc("GET /v1/chat/completions/ws", g.handleWebSocket)

	mux.HandleFunc("GET /v1/runs/{run_id}", g.handleGetRun)

	mux.HandleFunc("POST /v1/agents/{agent_id}/versions", g.handleSaveVersion)
	mux.HandleFunc("GET /v1/agents/{agent_id}/versions/{version_id}", g.handleGetVersion)
	mux.HandleFunc("POST /v1/agents/{agent_id}/deployments", g.handleDeploy)

	mux.HandleFunc("GET /v1/models", g.handleModels)
	mux.HandleFunc("GET /health", g.handleHealth)

	var h http.Handler = mux
	h = g.bodyLimit(h)
	h = g.security(h)
	h = g.rateLimit(h)
	h = g.loggingMiddleware(h)
	h = g.panicRecovery(h)
	return h
}
