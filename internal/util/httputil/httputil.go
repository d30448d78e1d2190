/*
Copyright 2024 Alexandre Mahdhaoui

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

package httputil

import (
	"encoding/json"
	"encoding/xml"
	"log/slog"
	"net/http"
	"strings"
)

// TokenValidator checks the bearer token of a request.
type TokenValidator func(token string, r *http.Request) (bool, error)

// BearerAuth is a middleware that authenticates requests by their bearer token.
//
// Requests without a token or with a rejected token get a 401. A validator error yields a 500. Faults are written
// as XML.
func BearerAuth(next http.Handler, validator TokenValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { //nolint:varnamelen
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if ok && token != "" {
			valid, err := validator(token, r)
			if err != nil {
				WriteXML(w, http.StatusInternalServerError, Fault{Reason: "Internal Error", Detail: err.Error()})
				return
			}

			if valid {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Bearer realm="RESTAPI"`)
		WriteXML(w, http.StatusUnauthorized, Fault{Reason: "Unauthorized", Detail: "invalid or missing token"})
	}
}

// Fault is the body returned alongside a non-2xx status.
type Fault struct {
	XMLName xml.Name `json:"-"      xml:"fault"`
	Reason  string   `json:"reason" xml:"reason"`
	Detail  string   `json:"detail" xml:"detail"`
}

// WriteJSON writes v as the JSON body of a response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing json response", "err", err.Error())
	}
}

// WriteXML writes v as the XML body of a response with the given status.
func WriteXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	if v == nil {
		return
	}

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		slog.Error("writing xml response", "err", err.Error())
		return
	}

	if err := xml.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing xml response", "err", err.Error())
	}
}
