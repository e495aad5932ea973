// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
)

const (
	PublicClientPathPrefix = "/_matrix/client/"
	MetricsPath            = "/metrics"
)

// NewRouter returns a router that leaves path escaping alone, so that IDs
// containing slashes survive until URLDecodeMapValues.
func NewRouter() *mux.Router {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.NotFoundHandler = http.HandlerFunc(NotFoundCORSHandler)
	r.MethodNotAllowedHandler = http.HandlerFunc(NotAllowedHandler)
	return r
}

// URLDecodeMapValues is a function that iterates through each of the items in a
// map, URL decodes the value, and returns a new map with the decoded values
// under the same key names
func URLDecodeMapValues(vmap map[string]string) (map[string]string, error) {
	decoded := make(map[string]string, len(vmap))
	for key, value := range vmap {
		decodedVal, err := url.PathUnescape(value)
		if err != nil {
			return make(map[string]string), err
		}
		decoded[key] = decodedVal
	}

	return decoded, nil
}

var (
	unrecognizedErr     = []byte(`{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`)
	methodNotAllowedErr = []byte(`{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`)
)

// NotFoundCORSHandler sets CORS headers and returns a M_UNRECOGNIZED 404.
func NotFoundCORSHandler(w http.ResponseWriter, r *http.Request) {
	util.SetCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(unrecognizedErr)
}

// NotAllowedHandler returns a M_UNRECOGNIZED 405.
func NotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_, _ = w.Write(methodNotAllowedErr)
}
