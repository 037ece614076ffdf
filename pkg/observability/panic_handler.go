package observability

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
)

// RecoverPanic recovers from a panic and logs it with its stack. Call it
// deferred at the top of background goroutines:
//
//	defer observability.RecoverPanic(logger, "audit flusher")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverPanicWithCallback is RecoverPanic followed by callback, which only
// runs when a panic was recovered.
func RecoverPanicWithCallback(logger *Logger, where string, callback func()) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if callback != nil {
			callback()
		}
	}
}

// MustRecover converts a recovered value into an error; nil stays nil
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}

// RecoveryMiddleware turns a handler panic into a 500 with a JSON body.
// The request is never allowed through by a panic: authorization has
// either already answered or is abandoned.
func RecoveryMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logPanic(FromContextOr(r, logger), r.Method+" "+r.URL.Path, rec)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// FromContextOr returns the request logger, or fallback when none is set
func FromContextOr(r *http.Request, fallback *Logger) *Logger {
	if _, ok := r.Context().Value(contextkeys.LoggerKey).(*Logger); ok {
		return FromContext(r.Context())
	}
	return fallback
}

func logPanic(logger *Logger, where string, r interface{}) {
	logger.WithField("panic", fmt.Sprint(r)).
		WithField("stack", string(debug.Stack())).
		WithField("context", where).
		Error("PANIC recovered")
}
