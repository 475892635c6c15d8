// Package d4l uploads clinical resources to the patient's personal health record.
package d4l

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// ErrUnsupportedResource is returned for resource types the record does not accept.
var ErrUnsupportedResource = errors.New("unsupported resource type")

// Resource is a parsed clinical resource ready for upload.
type Resource struct {
	Type  string
	Value any    // typed fhir model
	Raw   []byte // original JSON
}

var parsers = map[string]func([]byte) (any, error){
	"DocumentReference":   decode[fhir.DocumentReference],
	"DiagnosticReport":    decode[fhir.DiagnosticReport],
	"Observation":         decode[fhir.Observation],
	"Composition":         decode[fhir.Composition],
	"Condition":           decode[fhir.Condition],
	"Encounter":           decode[fhir.Encounter],
	"Procedure":           decode[fhir.Procedure],
	"Immunization":        decode[fhir.Immunization],
	"MedicationStatement": decode[fhir.MedicationStatement],
	"AllergyIntolerance":  decode[fhir.AllergyIntolerance],
	"Patient":             decode[fhir.Patient],
	"Bundle":              decode[fhir.Bundle],
}

func decode[T any](b []byte) (any, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ResourceType extracts the resourceType member of a FHIR JSON document.
func ResourceType(raw []byte) (string, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("parse resource: %w", err)
	}
	if head.ResourceType == "" {
		return "", errors.New("parse resource: missing resourceType")
	}
	return head.ResourceType, nil
}

// ParseResource decodes raw into its typed fhir model.
func ParseResource(raw []byte) (Resource, error) {
	typ, err := ResourceType(raw)
	if err != nil {
		return Resource{}, err
	}
	parse, ok := parsers[typ]
	if !ok {
		return Resource{}, fmt.Errorf("%w: %s", ErrUnsupportedResource, typ)
	}
	v, err := parse(raw)
	if err != nil {
		return Resource{}, fmt.Errorf("parse %s: %w", typ, err)
	}
	return Resource{Type: typ, Value: v, Raw: raw}, nil
}
