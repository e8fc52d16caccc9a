/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package pipeline

import "fmt"

// ValidateSettings validates the provided settings map against schema:
// type coercion per declared type, numeric bounds enforced, string options
// enforced, unknown keys rejected (§4.1). Missing settings are filled in
// from the schema's declared default. Registry.Load calls it at plugin load
// time; there is no API for changing a loaded plugin's settings afterward.
func ValidateSettings(schema SettingsSchema, provided map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(schema))

	for name, spec := range schema {
		raw, present := provided[name]
		if !present {
			out[name] = spec.Default
			continue
		}
		coerced, err := coerce(spec.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("setting '%s': %w", name, err)
		}
		if err := checkBounds(name, spec, coerced); err != nil {
			return nil, err
		}
		out[name] = coerced
	}

	for name := range provided {
		if _, ok := schema[name]; !ok {
			return nil, fmt.Errorf("unknown setting '%s'", name)
		}
	}

	return out, nil
}

func coerce(t SettingType, v interface{}) (interface{}, error) {
	switch t {
	case SettingInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			return int(n), nil
		default:
			return nil, fmt.Errorf("expected int, got %T", v)
		}
	case SettingFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("expected float, got %T", v)
		}
	case SettingBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil
	case SettingString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case SettingObject:
		return v, nil
	default:
		return nil, fmt.Errorf("unrecognized setting type %q", t)
	}
}

func checkBounds(name string, spec SettingSpec, v interface{}) error {
	switch spec.Type {
	case SettingInt, SettingFloat:
		var f float64
		switch n := v.(type) {
		case int:
			f = float64(n)
		case float64:
			f = n
		}
		if spec.Min != nil && f < *spec.Min {
			return fmt.Errorf("setting '%s': %v below minimum %v", name, v, *spec.Min)
		}
		if spec.Max != nil && f > *spec.Max {
			return fmt.Errorf("setting '%s': %v above maximum %v", name, v, *spec.Max)
		}
	case SettingString:
		if len(spec.Options) == 0 {
			return nil
		}
		s := v.(string)
		for _, opt := range spec.Options {
			if opt == s {
				return nil
			}
		}
		return fmt.Errorf("setting '%s': %q is not one of %v", name, s, spec.Options)
	}
	return nil
}
