// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"encoding/json"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

// maxRequestBodySize bounds the request bodies handlers will read.
const maxRequestBodySize = 1 << 20

// UnmarshalJSONRequest into the given interface pointer. Returns an error JSON response if
// there was a problem unmarshalling. Calling this function consumes the request body.
func UnmarshalJSONRequest(req *http.Request, iface interface{}) *util.JSONResponse {
	body, resErr := ReadJSONBody(req)
	if resErr != nil {
		return resErr
	}
	return UnmarshalJSON(body, iface)
}

// ReadJSONBody reads the request body and checks that it is valid UTF-8
// JSON, returning the raw bytes.
func ReadJSONBody(req *http.Request) ([]byte, *util.JSONResponse) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("Content not JSON"),
		}
	}
	defer req.Body.Close() // nolint:errcheck
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodySize))
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("io.ReadAll failed")
		return nil, &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	// encoding/json allows invalid utf-8, matrix does not
	// https://spec.matrix.org/v1.11/appendices/#canonical-json
	if !utf8.Valid(body) {
		return nil, &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("Body contains invalid UTF-8"),
		}
	}
	if !json.Valid(body) {
		return nil, &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("The request body is not valid JSON"),
		}
	}
	return body, nil
}

func UnmarshalJSON(body []byte, iface interface{}) *util.JSONResponse {
	if !utf8.Valid(body) {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("Body contains invalid UTF-8"),
		}
	}

	if err := json.Unmarshal(body, iface); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("The request body could not be decoded into valid JSON. " + err.Error()),
		}
	}
	return nil
}
