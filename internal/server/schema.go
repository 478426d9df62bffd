package server

import (
	_ "embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/build_request.json
var buildRequestSchema []byte

var buildRequestLoader = gojsonschema.NewBytesLoader(buildRequestSchema)

// validateBuildRequest returns one message per schema violation. The error is
// reserved for a broken schema or an undecodable document.
func validateBuildRequest(raw []byte) ([]string, error) {
	result, err := gojsonschema.Validate(buildRequestLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate build request: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return details, nil
}
