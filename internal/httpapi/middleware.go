package httpapi

import (
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ent0n29/companion/internal/auth"
)

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// requireSignature admits requests carrying a valid signed authorization
// value, either as the Authorization header or the authorization query
// parameter.
func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, err := authValue(r)
		if err == nil {
			if value == "" {
				err = &auth.Error{Kind: auth.KindMalformedHeader, Detail: "missing authorization"}
			} else if s.verifier == nil {
				err = &auth.Error{Kind: auth.KindNotConfigured}
			} else {
				err = s.verifier.Verify(value, r.Host)
			}
		}
		if err != nil {
			kind := authKind(err)
			s.metrics.ObserveAuth(kind)
			respondError(w, http.StatusUnauthorized, kind, "unauthorized")
			return
		}
		s.metrics.ObserveAuth("ok")
		next.ServeHTTP(w, r)
	})
}

// authValue returns the signed value from the Authorization header or, when
// absent, the raw authorization query parameter decoded with '+' as space.
func authValue(r *http.Request) (string, error) {
	if v := strings.TrimSpace(r.Header.Get("Authorization")); v != "" {
		return v, nil
	}
	raw, ok := rawQueryParam(r.URL.RawQuery, "authorization")
	if !ok || raw == "" {
		return "", nil
	}
	return auth.DecodeQueryValue(raw)
}

// rawQueryParam finds name in a query string without decoding its value.
func rawQueryParam(rawQuery, name string) (string, bool) {
	for _, part := range strings.Split(rawQuery, "&") {
		k, v, _ := strings.Cut(part, "=")
		if k == name {
			return v, true
		}
	}
	return "", false
}

func authKind(err error) string {
	if kind, ok := auth.KindOf(err); ok {
		return string(kind)
	}
	return "unauthorized"
}
