// Package openapi embeds the planstate HTTP API description.
package openapi

import _ "embed"

// PlanstateSpec is the OpenAPI document served at /api/v1/openapi.yaml.
//
//go:embed planstate.yaml
var PlanstateSpec []byte

// Spec returns a copy of the embedded OpenAPI YAML.
func Spec() []byte {
	return append([]byte(nil), PlanstateSpec...)
}
