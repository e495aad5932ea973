// Copyright 2024 New Vector Ltd.
// Copyright 2017 Jan Christian Grünhage
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"

	"github.com/element-hq/synchrotron/internal/httputil"
	syncinternal "github.com/element-hq/synchrotron/syncapi/internal"
	"github.com/element-hq/synchrotron/syncapi/synctypes"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// GetFilter implements GET /_matrix/client/r0/user/{userId}/filter/{filterId}
func GetFilter(
	req *http.Request, device *userapi.Device, filters *syncinternal.Filters, userID string, filterID string,
) util.JSONResponse {
	if userID != device.UserID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Cannot get filters for other users"),
		}
	}
	filter, err := filters.Get(req.Context(), userID, filterID)
	if err != nil {
		return syncinternal.ErrorResponse(util.GetLogger(req.Context()), err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: filter,
	}
}

type filterResponse struct {
	FilterID string `json:"filter_id"`
}

// PutFilter implements POST /_matrix/client/r0/user/{userId}/filter
func PutFilter(
	req *http.Request, device *userapi.Device, filters *syncinternal.Filters, userID string,
) util.JSONResponse {
	if userID != device.UserID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Cannot create filters for other users"),
		}
	}

	body, resErr := httputil.ReadJSONBody(req)
	if resErr != nil {
		return *resErr
	}
	filter, err := synctypes.ParseFilter(body)
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("The request body could not be decoded into valid JSON. " + err.Error()),
		}
	}
	// the filter `limit` is `int` which defaults to 0 if not set which is not what we want. We want to use the default
	// limit if it is unset, which is what this does.
	if !gjson.GetBytes(body, "room.timeline.limit").Exists() {
		filter.Room.Timeline.Limit = synctypes.DefaultFilter().Room.Timeline.Limit
	}

	filterID, err := filters.Put(req.Context(), userID, filter)
	if err != nil {
		return syncinternal.ErrorResponse(util.GetLogger(req.Context()), err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: filterResponse{FilterID: filterID},
	}
}
