package board

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Element and Redis hashes
//
// Scalar fields map to individual hash fields so that a row can be inspected
// with HGETALL. Properties is JSON-encoded into a single field, which matches
// its replace-wholesale update semantics.

// ElementToHash converts an Element struct to a Redis hash format.
func ElementToHash(e *Element) (map[string]interface{}, error) {
	props := e.Properties
	if props == nil {
		props = Properties{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal properties: %w", err)
	}

	hash := map[string]interface{}{
		"id":                    e.ID,
		"board_id":              e.BoardID,
		"type":                  string(e.Type),
		"x":                     formatFloat(e.X),
		"y":                     formatFloat(e.Y),
		"width":                 formatFloat(e.Width),
		"height":                formatFloat(e.Height),
		"rotation":              formatFloat(e.Rotation),
		"properties":            string(propsJSON),
		"layer_index":           e.LayerIndex,
		"version":               e.Version,
		"last_modified_by":      e.LastModifiedBy,
		"last_modified_session": e.LastModifiedSession,
		"created_by":            e.CreatedBy,
		"created_at_ms":         e.CreatedAtMs,
		"updated_at_ms":         e.UpdatedAtMs,
	}

	return hash, nil
}

// HashToElement converts a Redis hash to an Element struct.
func HashToElement(hash map[string]string) (*Element, error) {
	version, err := strconv.ParseInt(hash["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}

	layerIndex, err := strconv.Atoi(hash["layer_index"])
	if err != nil {
		return nil, fmt.Errorf("invalid layer_index field: %w", err)
	}

	geometry := make(map[string]float64, 5)
	for _, field := range []string{"x", "y", "width", "height", "rotation"} {
		v, err := strconv.ParseFloat(hash[field], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", field, err)
		}
		geometry[field] = v
	}

	var props Properties
	if propsJSON := hash["properties"]; propsJSON != "" {
		if err := json.Unmarshal([]byte(propsJSON), &props); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
		}
	}
	if props == nil {
		props = Properties{}
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &Element{
		ID:                  hash["id"],
		BoardID:             hash["board_id"],
		Type:                ElementType(hash["type"]),
		X:                   geometry["x"],
		Y:                   geometry["y"],
		Width:               geometry["width"],
		Height:              geometry["height"],
		Rotation:            geometry["rotation"],
		Properties:          props,
		LayerIndex:          layerIndex,
		Version:             version,
		LastModifiedBy:      hash["last_modified_by"],
		LastModifiedSession: hash["last_modified_session"],
		CreatedBy:           hash["created_by"],
		CreatedAtMs:         createdAtMs,
		UpdatedAtMs:         updatedAtMs,
	}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
