// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"errors"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/syncapi/synctypes"
	"github.com/element-hq/synchrotron/syncapi/types"
)

// ErrorResponse maps an error returned by the sync engine onto the Matrix
// error it should be reported as. Unrecognised errors are logged and
// reported as M_UNKNOWN with a 500.
func ErrorResponse(log *logrus.Entry, err error) util.JSONResponse {
	switch {
	case errors.Is(err, types.ErrStaleCursor):
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MatrixError{
				ErrCode: spec.ErrorUnknownPos,
				Err:     "The since token was issued by a previous server instance. Start again with an initial sync.",
			},
		}
	case errors.Is(err, types.ErrMalformedCursor), errors.Is(err, types.ErrBadPagination),
		errors.Is(err, types.ErrInvalidParam):
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(err.Error()),
		}
	case errors.Is(err, types.ErrInvalidFilter):
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON(err.Error()),
		}
	case errors.Is(err, synctypes.ErrInvalidContent), errors.Is(err, synctypes.ErrInvalidEvent):
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON(err.Error()),
		}
	case errors.Is(err, types.ErrForbidden):
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden(err.Error()),
		}
	case errors.Is(err, types.ErrUnknownFilter):
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound("No such filter"),
		}
	case errors.Is(err, types.ErrUnknownEvent):
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound("Event not found"),
		}
	}
	log.WithError(err).Error("Sync request failed")
	return util.JSONResponse{
		Code: http.StatusInternalServerError,
		JSON: spec.InternalServerError{},
	}
}
