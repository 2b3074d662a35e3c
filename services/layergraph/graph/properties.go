// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Properties is the field-name view of a node or edge: the document key of
// every defined field mapped to its decoded JSON value.
type Properties map[string]any

type nodeAlias GraphNode
type edgeAlias GraphEdge

var (
	knownFieldsOnce sync.Once
	knownNodeFields map[string]struct{}
	knownEdgeFields map[string]struct{}
)

// jsonFieldNames returns the json key of every exported, tagged field of t.
func jsonFieldNames(t reflect.Type) map[string]struct{} {
	out := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		out[name] = struct{}{}
	}
	return out
}

func initKnownFields() {
	knownFieldsOnce.Do(func() {
		knownNodeFields = jsonFieldNames(reflect.TypeOf(GraphNode{}))
		knownEdgeFields = jsonFieldNames(reflect.TypeOf(GraphEdge{}))
	})
}

// IsNodeField reports whether name is a field GraphNode models directly.
func IsNodeField(name string) bool {
	initKnownFields()
	_, ok := knownNodeFields[name]
	return ok
}

// IsEdgeField reports whether name is a field GraphEdge models directly.
func IsEdgeField(name string) bool {
	initKnownFields()
	_, ok := knownEdgeFields[name]
	return ok
}

// MarshalJSON writes the modelled fields followed by any preserved keys.
func (n GraphNode) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(nodeAlias(n), n.Extra, IsNodeField)
}

// UnmarshalJSON reads the modelled fields and keeps unknown keys in Extra.
func (n *GraphNode) UnmarshalJSON(data []byte) error {
	var a nodeAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := collectExtra(data, IsNodeField)
	if err != nil {
		return err
	}
	a.Extra = extra
	*n = GraphNode(a)
	return nil
}

// MarshalJSON writes the modelled fields followed by any preserved keys.
func (e GraphEdge) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(edgeAlias(e), e.Extra, IsEdgeField)
}

// UnmarshalJSON reads the modelled fields and keeps unknown keys in Extra.
func (e *GraphEdge) UnmarshalJSON(data []byte) error {
	var a edgeAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := collectExtra(data, IsEdgeField)
	if err != nil {
		return err
	}
	a.Extra = extra
	*e = GraphEdge(a)
	return nil
}

func marshalWithExtra(v any, extra map[string]any, known func(string) bool) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return base, err
	}
	merged := make(map[string]any)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if known(k) {
			continue
		}
		merged[k] = val
	}
	return json.Marshal(merged)
}

func collectExtra(data []byte, known func(string) bool) (map[string]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var extra map[string]any
	for k, v := range raw {
		if known(k) {
			continue
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = decoded
	}
	return extra, nil
}

// NodeProperties returns the defined fields of n keyed by document name.
//
// Description:
//
//	Fields at their zero value are omitted, so the key set is exactly the
//	set of fields the node "defines". Values are in decoded JSON form
//	(numbers as float64, lists as []any).
//
// Outputs:
//
//	Properties - The field map. Never nil on success.
//	error - Non-nil only if an Extra value cannot be encoded.
func NodeProperties(n GraphNode) (Properties, error) {
	return toProperties(n)
}

// EdgeProperties returns the defined fields of e keyed by document name.
func EdgeProperties(e GraphEdge) (Properties, error) {
	return toProperties(e)
}

// NodeFromProperties builds a node from a field map.
//
// Description:
//
//	Inverse of NodeProperties. Unknown keys land in Extra.
//
// Outputs:
//
//	GraphNode - The node.
//	error - ErrValidation wrapped if a value has the wrong shape for its
//	        field (e.g. a string for linesOfCode).
func NodeFromProperties(p Properties) (GraphNode, error) {
	var n GraphNode
	if err := fromProperties(p, &n); err != nil {
		return GraphNode{}, err
	}
	return n, nil
}

// EdgeFromProperties builds an edge from a field map.
func EdgeFromProperties(p Properties) (GraphEdge, error) {
	var e GraphEdge
	if err := fromProperties(p, &e); err != nil {
		return GraphEdge{}, err
	}
	return e, nil
}

func toProperties(v any) (Properties, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(Properties)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromProperties(p Properties, dst any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ApplyNodeUpdate overlays a partial field map onto n.
//
// Description:
//
//	Keys in updates replace the node's values. A nil value clears the
//	field. The id can not be changed through an update; an "id" key is
//	ignored.
//
// Outputs:
//
//	GraphNode - The updated node.
//	[]string - Names of fields whose value actually changed.
//	error - ErrValidation wrapped if a value does not fit its field.
func ApplyNodeUpdate(n GraphNode, updates Properties) (GraphNode, []string, error) {
	props, err := NodeProperties(n)
	if err != nil {
		return n, nil, err
	}
	var changed []string
	for k, v := range updates {
		if k == "id" {
			continue
		}
		old, had := props[k]
		if v == nil {
			if had {
				delete(props, k)
				changed = append(changed, k)
			}
			continue
		}
		if !had || !reflect.DeepEqual(old, normalizeValue(v)) {
			changed = append(changed, k)
		}
		props[k] = v
	}
	updated, err := NodeFromProperties(props)
	if err != nil {
		return n, nil, err
	}
	return updated, changed, nil
}

// ApplyEdgeUpdate overlays a partial field map onto e. See ApplyNodeUpdate.
func ApplyEdgeUpdate(e GraphEdge, updates Properties) (GraphEdge, []string, error) {
	props, err := EdgeProperties(e)
	if err != nil {
		return e, nil, err
	}
	var changed []string
	for k, v := range updates {
		if k == "id" {
			continue
		}
		old, had := props[k]
		if v == nil {
			if had {
				delete(props, k)
				changed = append(changed, k)
			}
			continue
		}
		if !had || !reflect.DeepEqual(old, normalizeValue(v)) {
			changed = append(changed, k)
		}
		props[k] = v
	}
	updated, err := EdgeFromProperties(props)
	if err != nil {
		return e, nil, err
	}
	return updated, changed, nil
}

// normalizeValue converts v to its decoded JSON form so it compares equal
// to values coming out of NodeProperties.
func normalizeValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
