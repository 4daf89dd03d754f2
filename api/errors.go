/*
Copyright 2024 Medtrace Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"errors"
	"net/http"

	"github.com/medtrace/medtrace"
	"github.com/medtrace/medtrace/internal/apierror"
)

// statusFor maps coordinator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, medtrace.ErrInvalidBatch):
		return http.StatusBadRequest
	case errors.Is(err, medtrace.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, medtrace.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, medtrace.ErrDuplicateBatch),
		errors.Is(err, medtrace.ErrBatchNotTransferable),
		errors.Is(err, medtrace.ErrNotPurgeable):
		return http.StatusConflict
	case errors.Is(err, medtrace.ErrLedgerReverted):
		return http.StatusBadGateway
	case errors.Is(err, medtrace.ErrStoreWriteFailure), errors.Is(err, medtrace.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return apierror.MapErrorToHTTPStatus(err)
}
