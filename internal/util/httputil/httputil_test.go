//go:build unit

// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httputil_test

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmshift/internal/util/httputil"
)

func TestBearerAuth(t *testing.T) {
	validator := func(token string, _ *http.Request) (bool, error) {
		return token == "t0k3n", nil
	}

	var nextCalled bool

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusOK)
	})

	t.Run("ValidToken", func(t *testing.T) {
		nextCalled = false

		req := httptest.NewRequest(http.MethodGet, "/ovirt-engine/api", nil)
		req.Header.Set("Authorization", "Bearer t0k3n")
		rr := httptest.NewRecorder()

		httputil.BearerAuth(next, validator).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, nextCalled)
	})

	for name, setAuth := range map[string]func(*http.Request){
		"WrongToken":  func(r *http.Request) { r.Header.Set("Authorization", "Bearer other") },
		"EmptyToken":  func(r *http.Request) { r.Header.Set("Authorization", "Bearer ") },
		"BasicScheme": func(r *http.Request) { r.SetBasicAuth("admin@internal", "t0k3n") },
		"NoToken":     func(*http.Request) {},
	} {
		t.Run(name, func(t *testing.T) {
			nextCalled = false

			req := httptest.NewRequest(http.MethodGet, "/ovirt-engine/api", nil)
			setAuth(req)
			rr := httptest.NewRecorder()

			httputil.BearerAuth(next, validator).ServeHTTP(rr, req)

			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.False(t, nextCalled)
			assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")

			fault := new(httputil.Fault)
			require.NoError(t, xml.Unmarshal(rr.Body.Bytes(), fault))
			assert.Equal(t, "Unauthorized", fault.Reason)
		})
	}

	t.Run("ValidatorError", func(t *testing.T) {
		nextCalled = false

		failing := func(string, *http.Request) (bool, error) { return false, assert.AnError }

		req := httptest.NewRequest(http.MethodGet, "/ovirt-engine/api", nil)
		req.Header.Set("Authorization", "Bearer t0k3n")
		rr := httptest.NewRecorder()

		httputil.BearerAuth(next, failing).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.False(t, nextCalled)
	})
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	httputil.WriteJSON(rr, http.StatusCreated, map[string]string{"access_token": "t0k3n"})

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	out := make(map[string]string)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, "t0k3n", out["access_token"])
}

func TestWriteXML(t *testing.T) {
	rr := httptest.NewRecorder()
	httputil.WriteXML(rr, http.StatusConflict, httputil.Fault{Reason: "Operation Failed", Detail: "vm is locked"})

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "application/xml", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "<fault><reason>Operation Failed</reason><detail>vm is locked</detail></fault>")
}
