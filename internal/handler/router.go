package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/efreitasn/venuecore/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a chi router with all routes registered, request logging,
// panic recovery, and Content-Type validation middleware. metricsHandler
// serves /metrics when non-nil.
func NewRouter(
	orderSvc *service.OrderService,
	marketSvc *service.MarketService,
	metricsHandler http.Handler,
	logger *slog.Logger,
) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(middleware.Recoverer)
	r.Use(requestLogging(logger))

	orderH := NewOrderHandler(orderSvc)
	bookH := NewBookHandler(marketSvc, orderSvc.PriceScale())

	// Health check.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	// Book routes.
	r.Get("/books", bookH.ListBooks)
	r.Route("/books/{symbol}", func(r chi.Router) {
		r.Get("/", bookH.GetBook)
		r.Get("/quote", bookH.GetQuote)
		r.Get("/price", bookH.GetPrice)
		r.Get("/trades", bookH.GetTrades)
	})

	// Order routes.
	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Post("/orders", orderH.SubmitOrder)
		r.Get("/orders", orderH.ListOrders)
		r.Get("/orders/{order_id}", orderH.GetOrder)
		r.Patch("/orders/{order_id}", orderH.ModifyOrder)
		r.Delete("/orders/{order_id}", orderH.CancelOrder)
	})

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests. If the Content-Type header doesn't start with
// "application/json", it returns 415 Unsupported Media Type before the handler runs.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusUnsupportedMediaType, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
