// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

var clientAPIRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "synchrotron",
		Subsystem: "syncapi",
		Name:      "request_duration_seconds",
		Help:      "Time taken to serve client API requests, by handler",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	},
	[]string{"handler", "method"},
)

func init() {
	prometheus.MustRegister(clientAPIRequestDuration)
}

// BasicAuth is used for authorization on /metrics handlers
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var errMissingToken = errors.New("missing access token")

// StatusClientClosedRequest is returned by handlers whose client went away.
// Nothing is written to the connection for it; it is only seen in logs and
// metrics.
const StatusClientClosedRequest = 499

// MakeAuthAPI turns a util.JSONRequestHandler function into an http.Handler which authenticates the request.
func MakeAuthAPI(
	metricsName string, devices userapi.DeviceDatabase,
	f func(*http.Request, *userapi.Device) util.JSONResponse,
) http.Handler {
	h := func(req *http.Request) util.JSONResponse {
		logger := util.GetLogger(req.Context())
		device, jsonErr := verifyUserFromRequest(req, devices)
		if jsonErr != nil {
			logger.Debugf("verifyUserFromRequest %s -> HTTP %d", req.RemoteAddr, jsonErr.Code)
			return *jsonErr
		}
		// add the user ID to the logger
		logger = logger.WithField("user_id", device.UserID)
		req = req.WithContext(util.ContextWithLogger(req.Context(), logger))
		// add the user to Sentry, if enabled
		hub := sentry.GetHubFromContext(req.Context())
		if hub != nil {
			hub.Scope().SetUser(sentry.User{
				Username: device.UserID,
			})
			hub.Scope().SetTag("user_id", device.UserID)
			hub.Scope().SetTag("device_id", device.ID)
		}
		defer func() {
			if r := recover(); r != nil {
				if hub != nil {
					hub.CaptureException(fmt.Errorf("%s panicked", req.URL.Path))
				}
				// re-panic to return the 500
				panic(r)
			}
		}()

		jsonRes := f(req, device)
		// do not log 4xx as errors as they are client fails, not server fails
		if hub != nil && jsonRes.Code >= 500 {
			hub.Scope().SetExtra("response", jsonRes)
			hub.CaptureException(fmt.Errorf("%s returned HTTP %d", req.URL.Path, jsonRes.Code))
		}
		return jsonRes
	}
	return MakeExternalAPI(metricsName, h)
}

// MakeExternalAPI turns a util.JSONRequestHandler function into an http.Handler.
// This is used for APIs that are called from the internet.
func MakeExternalAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	// TODO: Move SYNCHROTRON_TRACE_HTTP into the logging config.
	verbose := os.Getenv("SYNCHROTRON_TRACE_HTTP") == "1"
	h := util.MakeJSONAPI(util.NewJSONRequestHandler(f))
	withSpan := func(w http.ResponseWriter, req *http.Request) {
		w = &closedRequestWriter{ResponseWriter: w}
		if verbose {
			logger := logrus.NewEntry(logrus.StandardLogger())
			// Log outgoing response
			rec := &responseRecorder{ResponseWriter: w}
			w = rec
			defer func() {
				logger.Debugf("Outgoing response: %s %s -> HTTP %d", req.Method, req.URL.Path, rec.status)
			}()
			// Log incoming request
			dump, err := httputil.DumpRequest(req, true)
			if err != nil {
				logger.Debugf("Failed to dump incoming request: %s", err)
			} else {
				logger.Debugf("Incoming request: %s", dump)
			}
		}
		h.ServeHTTP(w, req)
	}
	return MakeHTTPAPI(metricsName, nil, true, withSpan)
}

// MakeHTTPAPI adds a trace task and, if enabled, request duration metrics to
// a plain HTTP handler. With a device database the request must carry a
// valid access token.
func MakeHTTPAPI(metricsName string, devices userapi.DeviceDatabase, enableMetrics bool, f http.HandlerFunc) http.Handler {
	withSpan := func(w http.ResponseWriter, req *http.Request) {
		trace, ctx := internal.StartTask(req.Context(), metricsName)
		defer trace.EndTask()
		req = req.WithContext(ctx)

		if devices != nil {
			if _, jsonErr := verifyUserFromRequest(req, devices); jsonErr != nil {
				h := util.MakeJSONAPI(util.NewJSONRequestHandler(func(_ *http.Request) util.JSONResponse {
					return *jsonErr
				}))
				h.ServeHTTP(w, req)
				return
			}
		}
		f(w, req)
	}
	if !enableMetrics {
		return http.HandlerFunc(withSpan)
	}
	return promhttp.InstrumentHandlerDuration(
		clientAPIRequestDuration.MustCurryWith(prometheus.Labels{"handler": metricsName}),
		http.HandlerFunc(withSpan),
	)
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		logrus.Warn("Metrics are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Serve without authorization if either Username or Password is unset
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()

		if !ok || user != b.Username || pass != b.Password {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}

// verifyUserFromRequest resolves the access token on the request to a
// device, returning a 401 response if there is none or it is unknown.
func verifyUserFromRequest(req *http.Request, devices userapi.DeviceDatabase) (*userapi.Device, *util.JSONResponse) {
	token, err := extractAccessToken(req)
	if err != nil {
		return nil, &util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.MissingToken(err.Error()),
		}
	}
	device, err := devices.QueryDevice(req.Context(), token)
	switch {
	case errors.Is(err, userapi.ErrUnknownToken):
		return nil, &util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.UnknownToken("Unknown token"),
		}
	case err != nil:
		util.GetLogger(req.Context()).WithError(err).Error("QueryDevice failed")
		return nil, &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return device, nil
}

// extractAccessToken from a request, or return an error detailing what went wrong. The
// error message MUST be human-readable and comprehensible to the client.
func extractAccessToken(req *http.Request) (string, error) {
	// cf https://github.com/matrix-org/synapse/blob/v0.19.2/synapse/api/auth.py#L585
	authBearer := req.Header.Get("Authorization")
	queryToken := req.URL.Query().Get("access_token")
	if authBearer != "" && queryToken != "" {
		return "", fmt.Errorf("mixing Authorization headers and access_token query parameters")
	}

	if queryToken != "" {
		return queryToken, nil
	}

	if authBearer != "" {
		parts := strings.SplitN(authBearer, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", fmt.Errorf("invalid Authorization header")
		}
		return parts[1], nil
	}

	return "", errMissingToken
}

// closedRequestWriter drops the response to a client that disconnected.
type closedRequestWriter struct {
	http.ResponseWriter
	dropped bool
}

func (w *closedRequestWriter) WriteHeader(code int) {
	if code == StatusClientClosedRequest {
		w.dropped = true
		return
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *closedRequestWriter) Write(b []byte) (int, error) {
	if w.dropped {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
