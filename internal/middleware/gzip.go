package middleware

import (
	"compress/gzip"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// уровень gzip для ответов
const compressLevel = 5

// GzipMiddleware распаковывает тела запросов с Content-Encoding: gzip и сжимает ответы
// JSON и HTML для клиентов, принимающих gzip.
func GzipMiddleware(next http.Handler) http.Handler {
	compress := chimw.Compress(compressLevel, "application/json", "text/html")(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			defer gz.Close()

			r.Body = gz
			r.Header.Del("Content-Encoding")
			r.ContentLength = -1
		}

		compress.ServeHTTP(w, r)
	})
}
