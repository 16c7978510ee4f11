package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// WithCORS allows browser admin frontends on other origins to call the API.
func WithCORS() func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		middleware := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"*"},
		})
		return middleware.Handler(h)
	}
}
