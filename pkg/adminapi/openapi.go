// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package adminapi exposes the scheduling core's spec §6 operations
// (build_job_queue, schedule, job_start_data, update_job_dependency,
// test_job_dependency, build_feature_list) over HTTP, grounded on the
// teacher's gorilla/mux-routed mock server (tests/mocks/server.go) inverted
// from client-test fixture to production admin surface, with request
// bodies validated against an embedded OpenAPI document via kin-openapi.
package adminapi

import (
	_ "embed"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
)

//go:embed openapi.yaml
var openapiSpec []byte

// LoadRouter parses and validates the embedded OpenAPI document and
// returns a router capable of matching an *http.Request to its operation
// for request validation.
func LoadRouter() (routers.Router, *openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, nil, err
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, nil, err
	}
	return router, doc, nil
}
