package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type logrusPrinter struct {
	log logrus.FieldLogger
}

func (l logrusPrinter) Print(v ...interface{}) {
	l.log.Info(v...)
}

// RequestLogger routes chi's per-request log lines through the service
// logger so request traces and application logs interleave in one stream.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return chimw.RequestLogger(&chimw.DefaultLogFormatter{
		Logger:  logrusPrinter{log: log},
		NoColor: true,
	})
}
