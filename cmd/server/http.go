package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/riskwatch/internal/authmw"
	"github.com/linnemanlabs/riskwatch/internal/postgres"
	"github.com/linnemanlabs/riskwatch/internal/risk"
	"github.com/linnemanlabs/riskwatch/internal/riskapi"
)

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"

	maxRequestBody = 64 << 10
)

// newRouter mounts the risk API behind bearer identity. Health routes are
// added by the caller on the returned router.
func newRouter(L log.Logger, engine *risk.Engine, tokens map[string]string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(tagQueryOrigin)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	api := riskapi.New(L, riskapi.FromEngine(engine))
	r.Group(func(r chi.Router) {
		r.Use(authmw.Identity(tokens))
		api.RegisterRoutes(r)
	})
	return r
}

// tagQueryOrigin labels DB queries issued while serving a request with
// the request method.
func tagQueryOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(postgres.WithOrigin(req.Context(), req.Method)))
	})
}

// wrapHandler applies the outer middleware stack. Wrappers are listed
// innermost first: the last one applied sees the raw request first.
func wrapHandler(h http.Handler, L log.Logger, observe func(http.Handler) http.Handler, mwCfg httpmw.Config) http.Handler {
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthyPath && r.URL.Path != readyPath
		}),
		// renamed to the chi route pattern once routing resolves
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = observe(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: mwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}
