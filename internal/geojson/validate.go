// Package geojson checks FeatureCollection envelopes without touching
// geometry coordinates; coordinate correctness is the spatial engine's job.
package geojson

import (
	"encoding/json"
	"fmt"
)

// ValidateCollection parses b as a FeatureCollection and returns the feature
// count. Each feature must be an object with type "Feature" and explicit
// geometry and properties members.
func ValidateCollection(b []byte) (int, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(b, &root); err != nil {
		return 0, fmt.Errorf("parse json: %w", err)
	}

	var typ string
	if tRaw, ok := root["type"]; !ok {
		return 0, fmt.Errorf(`missing required member "type"`)
	} else if err := json.Unmarshal(tRaw, &typ); err != nil {
		return 0, fmt.Errorf(`parse "type": %w`, err)
	} else if typ != "FeatureCollection" {
		return 0, fmt.Errorf(`type is %q (want "FeatureCollection")`, typ)
	}

	featuresRaw, ok := root["features"]
	if !ok {
		return 0, fmt.Errorf(`missing required member "features"`)
	}
	var feats []json.RawMessage
	if err := json.Unmarshal(featuresRaw, &feats); err != nil {
		return 0, fmt.Errorf(`"features" must be an array: %w`, err)
	}

	for i, fr := range feats {
		if err := validateFeature(fr); err != nil {
			return 0, fmt.Errorf("feature %d: %w", i, err)
		}
	}
	return len(feats), nil
}

func validateFeature(raw json.RawMessage) error {
	var fobj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fobj); err != nil {
		return fmt.Errorf("not a JSON object: %w", err)
	}

	var ftype string
	if tr, ok := fobj["type"]; !ok {
		return fmt.Errorf(`missing "type"`)
	} else if err := json.Unmarshal(tr, &ftype); err != nil {
		return fmt.Errorf(`parse "type": %w`, err)
	} else if ftype != "Feature" {
		return fmt.Errorf(`type is %q (want "Feature")`, ftype)
	}

	if _, ok := fobj["geometry"]; !ok {
		return fmt.Errorf(`missing "geometry"`)
	}
	if propsRaw, ok := fobj["properties"]; !ok {
		return fmt.Errorf(`missing "properties"`)
	} else if err := validateProperties(propsRaw); err != nil {
		return err
	}
	return nil
}

// properties must be an object or null per RFC 7946 §3.2
func validateProperties(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf(`parse "properties": %w`, err)
	}
	switch v.(type) {
	case nil, map[string]any:
		return nil
	default:
		return fmt.Errorf(`"properties" must be an object or null`)
	}
}
