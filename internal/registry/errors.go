/*
Copyright 2024 Domino Data Lab, Inc.

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

package registry

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// The deletion pipeline depends on telling these outcomes apart: a not-found
// delete is a success-noop, an auth failure is fatal, and everything transient
// is retried. They must never collapse into one error class.
var (
	// ErrNotFound marks the distinguished image-not-found outcome. Never
	// retried.
	ErrNotFound = errors.New("image not found in registry")

	// ErrAuth marks authentication/authorization failures. Never retried.
	ErrAuth = errors.New("registry authentication failed")
)

// IsNotFound reports whether err is the image-not-found outcome.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		if terr.StatusCode == http.StatusNotFound {
			return true
		}
		for _, diag := range terr.Errors {
			switch diag.Code {
			case transport.ManifestUnknownErrorCode,
				transport.NameUnknownErrorCode,
				transport.BlobUnknownErrorCode:
				return true
			}
		}
	}
	return false
}

// IsAuth reports whether err is an authentication or authorization failure.
func IsAuth(err error) bool {
	if errors.Is(err, ErrAuth) {
		return true
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		if terr.StatusCode == http.StatusUnauthorized ||
			terr.StatusCode == http.StatusForbidden {
			return true
		}
		for _, diag := range terr.Errors {
			switch diag.Code {
			case transport.UnauthorizedErrorCode, transport.DeniedErrorCode:
				return true
			}
		}
	}
	return false
}

// IsTransient reports whether err is worth retrying: timeouts, connection
// resets, rate-limit responses, and server-side 5xx.
func IsTransient(err error) bool {
	if err == nil || IsNotFound(err) || IsAuth(err) {
		return false
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		if terr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return terr.StatusCode >= 500
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"EOF",
		"TLS handshake timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
