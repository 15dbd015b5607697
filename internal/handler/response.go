package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/efreitasn/venuecore/internal/domain"
	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

var errBadBody = errors.New("Request body must be valid JSON with Content-Type: application/json")

// WriteJSON writes a JSON response with the given status code and data.
// Sets Content-Type to application/json before writing the status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Write error intentionally ignored in response helper
}

// errorResponse is the standard error response format.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a standard error response with the given status code,
// error code, and human-readable message.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// ParseJSON decodes the request body as JSON into v. Unknown fields and
// trailing data are rejected.
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return errBadBody
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errBadBody
	}
	if dec.More() {
		return errBadBody
	}
	return nil
}

// mapError maps domain errors to HTTP responses. Validation failures use
// their reject reason as the error code.
func mapError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		status := http.StatusBadRequest
		switch validationErr.Reason {
		case domain.ReasonUnknownSymbol:
			status = http.StatusNotFound
		case domain.ReasonDuplicateOrderID:
			status = http.StatusConflict
		}
		WriteError(w, status, string(validationErr.Reason), validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrUnknownOrder):
		WriteError(w, http.StatusNotFound, "unknown_order", err.Error())
	case errors.Is(err, domain.ErrUnknownSymbol):
		WriteError(w, http.StatusNotFound, "unknown_symbol", err.Error())
	case errors.Is(err, domain.ErrSymbolHalted):
		WriteError(w, http.StatusServiceUnavailable, "symbol_halted", err.Error())
	case errors.Is(err, domain.ErrEngineClosed):
		WriteError(w, http.StatusServiceUnavailable, "engine_closed", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

// priceFormatter renders tick prices as decimals at the venue's scale.
type priceFormatter int32

func (f priceFormatter) price(p domain.Price) decimal.Decimal {
	return p.Decimal(int32(f))
}

func (f priceFormatter) pricePtr(p *domain.Price) *decimal.Decimal {
	if p == nil {
		return nil
	}
	d := f.price(*p)
	return &d
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
