// Package openapi embeds the OpenAPI description of the ledger HTTP API.
package openapi

import _ "embed"

// LedgerSpec contains the OpenAPI document served at /openapi.yaml.
//
//go:embed custodyledger.yaml
var LedgerSpec []byte

// Spec returns a copy of the embedded OpenAPI YAML.
func Spec() []byte {
	return append([]byte(nil), LedgerSpec...)
}
