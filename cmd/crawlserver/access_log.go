package main

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// loggingResponseWriter captures the status code and body size a
// handler wrote, so accessLogMiddleware can report them after the
// handler returns.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// accessLogMiddleware logs each request in Apache Combined Log Format
// (Common Log Format plus referer and user agent),
// carried as a single structured field rather than a bare log.Printf
// line, so it composes with the rest of the logrus output.
func accessLogMiddleware(log *logrus.Entry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		line := formatCommonLogLine(host, start, r, lrw.status, lrw.size)
		log.WithField("access_log", line).Info("request handled")
	})
}

func formatCommonLogLine(host string, start time.Time, r *http.Request, status, size int) string {
	return host + " - - [" + start.Format("02/Jan/2006:15:04:05 -0700") + "] \"" +
		r.Method + " " + r.RequestURI + " " + r.Proto + "\" " +
		strconv.Itoa(status) + " " + strconv.Itoa(size) + " \"" + r.Referer() + "\" \"" + r.UserAgent() + "\""
}
