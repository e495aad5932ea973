// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/element-hq/synchrotron/internal/httputil"
	syncinternal "github.com/element-hq/synchrotron/syncapi/internal"
	"github.com/element-hq/synchrotron/syncapi/mailbox"
	"github.com/element-hq/synchrotron/syncapi/sync"
	"github.com/element-hq/synchrotron/syncapi/timeline"
	"github.com/element-hq/synchrotron/syncapi/userdata"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// Dependencies are the components the client API handlers work on.
type Dependencies struct {
	RequestPool *sync.RequestPool
	Timeline    *timeline.Store
	Filters     *syncinternal.Filters
	Mailbox     *mailbox.Mailbox
	AccountData *userdata.AccountDataStore
	Devices     userapi.DeviceDatabase
	DeviceIDs   userapi.DeviceLister
	RateLimits  *httputil.RateLimits
}

// Setup configures the given mux with sync-server listeners
//
// Due to Setup being used to call many other functions, a gocyclo nolint is
// applied:
// nolint: gocyclo
func Setup(csMux *mux.Router, deps *Dependencies) {
	v3mux := csMux.PathPrefix("/{apiversion:(?:r0|v3)}/").Subrouter()

	// authed wraps a handler with authentication and URL decoding of the
	// path variables.
	authed := func(name string, f func(*http.Request, *userapi.Device, map[string]string) util.JSONResponse) http.Handler {
		return httputil.MakeAuthAPI(name, deps.Devices, func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
			if err != nil {
				return util.ErrorResponse(err)
			}
			return f(req, device, vars)
		})
	}
	// limited additionally applies rate limiting.
	limited := func(name string, f func(*http.Request, *userapi.Device, map[string]string) util.JSONResponse) http.Handler {
		return authed(name, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			if r := deps.RateLimits.Limit(req, device); r != nil {
				return *r
			}
			return f(req, device, vars)
		})
	}

	v3mux.Handle("/sync", authed("sync", func(req *http.Request, device *userapi.Device, _ map[string]string) util.JSONResponse {
		return deps.RequestPool.OnIncomingSyncRequest(req, device)
	})).Methods(http.MethodGet, http.MethodOptions).Name("sync")

	v3mux.Handle("/events", authed("events", func(req *http.Request, device *userapi.Device, _ map[string]string) util.JSONResponse {
		return deps.RequestPool.OnIncomingEventsRequest(req, device)
	})).Methods(http.MethodGet, http.MethodOptions).Name("events")

	v3mux.Handle("/user/{userId}/filter", limited("put_filter", func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
		return PutFilter(req, device, deps.Filters, vars["userId"])
	})).Methods(http.MethodPost, http.MethodOptions).Name("put_filter")

	v3mux.Handle("/user/{userId}/filter/{filterId}", authed("get_filter", func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
		return GetFilter(req, device, deps.Filters, vars["userId"], vars["filterId"])
	})).Methods(http.MethodGet, http.MethodOptions).Name("get_filter")

	v3mux.Handle("/rooms/{roomId}/context/{eventId}", limited("context", func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
		return Context(req, device, deps.Timeline, vars["roomId"], vars["eventId"])
	})).Methods(http.MethodGet, http.MethodOptions).Name("context")

	v3mux.Handle("/sendToDevice/{eventType}/{txnId}", limited("send_to_device", func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
		return SendToDevice(req, device, deps.Mailbox, deps.DeviceIDs, vars["eventType"], vars["txnId"])
	})).Methods(http.MethodPut, http.MethodOptions).Name("send_to_device")

	v3mux.Handle("/user/{userId}/rooms/{roomId}/tags", authed("get_tags", func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
		return GetTags(req, device, deps.AccountData, vars["userId"], vars["roomId"])
	})).Methods(http.MethodGet, http.MethodOptions).Name("get_tags")

	v3mux.Handle("/user/{userId}/rooms/{roomId}/tags/{tag}", limited("put_tag", func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
		return PutTag(req, device, deps.AccountData, vars["userId"], vars["roomId"], vars["tag"])
	})).Methods(http.MethodPut, http.MethodOptions).Name("put_tag")

	v3mux.Handle("/user/{userId}/rooms/{roomId}/tags/{tag}", limited("delete_tag", func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
		return DeleteTag(req, device, deps.AccountData, vars["userId"], vars["roomId"], vars["tag"])
	})).Methods(http.MethodDelete, http.MethodOptions).Name("delete_tag")

	v3mux.Handle("/user/{userId}/account_data/{type}", limited("put_account_data", func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
		return SaveAccountData(req, device, deps.AccountData, vars["userId"], "", vars["type"])
	})).Methods(http.MethodPut, http.MethodOptions).Name("put_account_data")

	v3mux.Handle("/user/{userId}/rooms/{roomId}/account_data/{type}", limited("put_room_account_data", func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
		return SaveAccountData(req, device, deps.AccountData, vars["userId"], vars["roomId"], vars["type"])
	})).Methods(http.MethodPut, http.MethodOptions).Name("put_room_account_data")

	v3mux.Handle("/user/{userId}/account_data/{type}", authed("get_account_data", func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
		return GetAccountData(req, device, deps.AccountData, vars["userId"], "", vars["type"])
	})).Methods(http.MethodGet).Name("get_account_data")

	v3mux.Handle("/user/{userId}/rooms/{roomId}/account_data/{type}", authed("get_room_account_data", func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
		return GetAccountData(req, device, deps.AccountData, vars["userId"], vars["roomId"], vars["type"])
	})).Methods(http.MethodGet).Name("get_room_account_data")
}
