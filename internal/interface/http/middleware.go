package httpservice

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/arkade-os/fedmint/pkg/errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	requestIdHeader = "X-Request-Id"
	// number of client ips tracked by the rate limiter
	maxTrackedClients = 10000
)

var somethingWentWrong = errors.INTERNAL_ERROR.New("something went wrong")

// clientLimiter assigns a token bucket to every client ip.
type clientLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

func newClientLimiter(limit float64, burst int) (*clientLimiter, error) {
	cache, err := lru.New[string, *rate.Limiter](maxTrackedClients)
	if err != nil {
		return nil, err
	}
	return &clientLimiter{
		limit:    rate.Limit(limit),
		burst:    burst,
		limiters: cache,
	}, nil
}

func (l *clientLimiter) allow(ip string) bool {
	limiter, ok := l.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		if prev, found, _ := l.limiters.PeekOrAdd(ip, limiter); found {
			limiter = prev
		}
	}
	return limiter.Allow()
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.allow(ip) {
			writeError(w, r, errors.RATE_LIMITED.New("too many requests from %s", ip))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestId := r.Header.Get(requestIdHeader)
		if requestId == "" {
			requestId = uuid.NewString()
		}
		w.Header().Set(requestIdHeader, requestId)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		log.WithFields(log.Fields{
			"request_id": requestId,
			"method":     r.Method,
			"route":      route,
			"status":     rec.status,
			"duration":   time.Since(start),
		}).Debug("http request")
	})
}

func panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("panic-recovery middleware recovered from panic: %v", rec)
				log.Errorf("stack trace: %v", string(debug.Stack()))
				writeError(w, r, somethingWentWrong)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Add("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}
