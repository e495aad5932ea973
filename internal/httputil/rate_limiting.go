// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/element-hq/synchrotron/ip"
	"github.com/element-hq/synchrotron/setup/config"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synchrotron",
			Subsystem: "syncapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synchrotron",
			Subsystem: "syncapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
}

// limiterIdleTimeout is how long a caller's bucket survives without traffic.
const limiterIdleTimeout = time.Minute

type limiterConfig struct {
	threshold int64
	cooloff   time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	config   limiterConfig
	lastSeen time.Time
}

// RateLimits hands out a token bucket per caller, and per caller and
// endpoint for endpoints with an override. Callers are identified by device
// when authenticated and by IP address otherwise.
type RateLimits struct {
	limits        map[string]*limiterEntry
	mutex         sync.Mutex
	enabled       bool
	defaultConfig limiterConfig
	perEndpoint   map[string]limiterConfig
	exemptUserIDs map[string]struct{}
	exemptIPs     []net.IP
	exemptCIDRs   []*net.IPNet
	stop          chan struct{}
	stopOnce      sync.Once
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:  make(map[string]*limiterEntry),
		enabled: cfg.Enabled,
		stop:    make(chan struct{}),
		defaultConfig: limiterConfig{
			threshold: cfg.Threshold,
			cooloff:   time.Duration(cfg.CooloffMS) * time.Millisecond,
		},
		perEndpoint:   make(map[string]limiterConfig, len(cfg.PerEndpointOverrides)),
		exemptUserIDs: make(map[string]struct{}, len(cfg.ExemptUserIDs)),
	}
	for _, userID := range cfg.ExemptUserIDs {
		l.exemptUserIDs[userID] = struct{}{}
	}
	for endpoint, override := range cfg.PerEndpointOverrides {
		l.perEndpoint[endpoint] = limiterConfig{
			threshold: override.Threshold,
			cooloff:   time.Duration(override.CooloffMS) * time.Millisecond,
		}
	}
	for _, addr := range cfg.ExemptIPAddresses {
		if parsed := net.ParseIP(addr); parsed != nil {
			l.exemptIPs = append(l.exemptIPs, parsed)
		} else if _, network, err := net.ParseCIDR(addr); err == nil {
			l.exemptCIDRs = append(l.exemptCIDRs, network)
		}
	}
	if l.enabled {
		go l.clean(30 * time.Second)
	}
	return l
}

// clean drops buckets that have been idle for limiterIdleTimeout. Keys are
// snapshotted first so that requests are not held up behind a full sweep.
func (l *RateLimits) clean(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.sweep(now.Add(-limiterIdleTimeout))
		}
	}
}

func (l *RateLimits) sweep(cutoff time.Time) {
	l.mutex.Lock()
	keys := make([]string, 0, len(l.limits))
	for key := range l.limits {
		keys = append(keys, key)
	}
	l.mutex.Unlock()

	for _, key := range keys {
		l.mutex.Lock()
		if entry, ok := l.limits[key]; ok && entry.lastSeen.Before(cutoff) {
			delete(l.limits, key)
		}
		l.mutex.Unlock()
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (l *RateLimits) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// Limit returns a 429 response if the caller has run out of tokens, nil
// otherwise. Admins and appservices are never limited.
func (l *RateLimits) Limit(req *http.Request, device *userapi.Device) *util.JSONResponse {
	endpoint := endpointLabel(req)
	if !l.enabled || l.exempt(req, device) {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	caller := req.RemoteAddr
	if remoteIP, _ := ip.RemoteIP(req); remoteIP != nil {
		caller = remoteIP.String()
	}
	if device != nil {
		caller = device.UserID + "|" + device.ID
	}

	cfg, key := l.defaultConfig, caller
	if override, ok := l.perEndpoint[endpoint]; ok {
		cfg, key = override, caller+"|"+endpoint
	}

	if limiter, block := l.getLimiter(key, cfg); !block && (limiter == nil || limiter.Allow()) {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}
	rateLimitRejections.WithLabelValues(endpoint).Inc()
	return &util.JSONResponse{
		Code: http.StatusTooManyRequests,
		JSON: spec.LimitExceeded("You are sending too many requests too quickly!", cfg.cooloff.Milliseconds()),
	}
}

func (l *RateLimits) exempt(req *http.Request, device *userapi.Device) bool {
	if device != nil {
		switch device.AccountType {
		case userapi.AccountTypeAdmin, userapi.AccountTypeAppService:
			return true
		}
		if _, ok := l.exemptUserIDs[device.UserID]; ok {
			return true
		}
	}
	remoteIP, _ := ip.RemoteIP(req)
	return l.isIPExempt(remoteIP)
}

// getLimiter returns the bucket for key, creating it when missing or when
// the config changed. A bucket holds threshold tokens and refills threshold
// tokens every cooloff, so threshold=5 cooloff=500ms allows 10 requests a
// second with bursts of 5.
//
// A threshold <= 0 blocks every request. A cooloff <= 0 disables limiting
// and returns a nil limiter.
func (l *RateLimits) getLimiter(key string, cfg limiterConfig) (*rate.Limiter, bool) {
	if cfg.threshold <= 0 {
		return nil, true
	}
	if cfg.cooloff <= 0 {
		return nil, false
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := time.Now()
	if entry, ok := l.limits[key]; ok && entry.config == cfg {
		entry.lastSeen = now
		return entry.limiter, false
	}
	perSecond := rate.Limit(float64(cfg.threshold) * float64(time.Second) / float64(cfg.cooloff))
	limiter := rate.NewLimiter(perSecond, int(cfg.threshold))
	l.limits[key] = &limiterEntry{
		limiter:  limiter,
		config:   cfg,
		lastSeen: now,
	}
	return limiter, false
}

// endpointLabel names the endpoint by its route name when the request went
// through a named mux route, and by its path otherwise.
func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	if route := mux.CurrentRoute(req); route != nil && route.GetName() != "" {
		return route.GetName()
	}
	return req.URL.Path
}

func (l *RateLimits) isIPExempt(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, exempt := range l.exemptIPs {
		if exempt.Equal(ip) {
			return true
		}
	}
	for _, network := range l.exemptCIDRs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
