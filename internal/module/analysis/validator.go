package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Box values above 1 and up to this bound are read as a 0-1000 scale.
const boxScale = 1000.0

var severitySynonyms = map[string]Severity{
	"low":      SeverityLow,
	"minor":    SeverityLow,
	"medium":   SeverityMedium,
	"moderate": SeverityMedium,
	"high":     SeverityHigh,
	"severe":   SeverityHigh,
	"major":    SeverityHigh,
	"critical": SeverityCritical,
}

// Validate parses a raw model completion into a Result. Markdown code
// fences around the JSON are ignored. Every invalid field is reported in a
// single *ValidationError.
func Validate(raw string) (*Result, error) {
	body := stripFences(raw)

	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		verr := &ValidationError{}
		verr.add("$", "not valid JSON: %v", err)
		return nil, verr
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		verr := &ValidationError{}
		verr.add("$", "must be an object")
		return nil, verr
	}

	v := &validator{errs: &ValidationError{}}
	res := &Result{Violations: []Violation{}}

	res.Summary = v.optionalString(obj, "$.summary", "summary")

	if rawViolations, ok := obj["violations"]; ok && rawViolations != nil {
		items, ok := rawViolations.([]any)
		if !ok {
			v.errs.add("$.violations", "must be an array")
		}
		for i, item := range items {
			path := fmt.Sprintf("$.violations[%d]", i)
			if viol, ok := v.violation(path, item); ok {
				res.Violations = append(res.Violations, viol)
			}
		}
	}

	switch c := obj["compliant"].(type) {
	case nil:
		res.Compliant = len(res.Violations) == 0
	case bool:
		res.Compliant = c
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(c))
		if err != nil {
			v.errs.add("$.compliant", "must be a boolean")
		}
		res.Compliant = b
	default:
		v.errs.add("$.compliant", "must be a boolean")
	}

	if len(v.errs.Fields) > 0 {
		return nil, v.errs
	}
	return res, nil
}

type validator struct {
	errs *ValidationError
}

func (v *validator) violation(path string, item any) (Violation, bool) {
	obj, ok := item.(map[string]any)
	if !ok {
		v.errs.add(path, "must be an object")
		return Violation{}, false
	}
	before := len(v.errs.Fields)

	viol := Violation{
		Category:        v.requiredString(obj, path+".category", "category"),
		Description:     v.requiredString(obj, path+".description", "description"),
		Severity:        v.severity(obj, path+".severity"),
		SuggestedEdit:   v.optionalString(obj, path+".suggestedEdit", "suggestedEdit", "suggested_edit"),
		PolicyReference: v.optionalString(obj, path+".policyReference", "policyReference", "policy_reference"),
	}

	if raw, key := lookup(obj, "boundingBox", "bounding_box", "box"); raw != nil {
		viol.BoundingBox = v.boundingBox(path+"."+key, raw)
	}

	return viol, len(v.errs.Fields) == before
}

func (v *validator) severity(obj map[string]any, path string) Severity {
	raw, ok := obj["severity"]
	if !ok || raw == nil {
		return SeverityMedium
	}
	s, ok := raw.(string)
	if !ok {
		v.errs.add(path, "must be a string")
		return ""
	}
	sev, ok := severitySynonyms[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		v.errs.add(path, "unknown severity %q", s)
		return ""
	}
	return sev
}

func (v *validator) boundingBox(path string, raw any) *BoundingBox {
	obj, ok := raw.(map[string]any)
	if !ok {
		v.errs.add(path, "must be an object")
		return nil
	}

	before := len(v.errs.Fields)
	x := v.coordinate(obj, path+".x", "x")
	y := v.coordinate(obj, path+".y", "y")
	w := v.coordinate(obj, path+".width", "width", "w")
	h := v.coordinate(obj, path+".height", "height", "h")
	if len(v.errs.Fields) > before {
		return nil
	}

	if x >= 1 {
		v.errs.add(path+".x", "must be less than 1")
	}
	if y >= 1 {
		v.errs.add(path+".y", "must be less than 1")
	}
	if w <= 0 {
		v.errs.add(path+".width", "must be positive")
	}
	if h <= 0 {
		v.errs.add(path+".height", "must be positive")
	}
	if len(v.errs.Fields) > before {
		return nil
	}

	// Clamped to the unit square; x and y below 1 keep both sides positive.
	return &BoundingBox{
		X:      x,
		Y:      y,
		Width:  math.Min(w, 1-x),
		Height: math.Min(h, 1-y),
	}
}

// coordinate reads a box value, rescaling 0-1000 values to 0-1.
func (v *validator) coordinate(obj map[string]any, path string, keys ...string) float64 {
	raw, _ := lookup(obj, keys...)
	if raw == nil {
		v.errs.add(path, "is required")
		return 0
	}

	var f float64
	switch n := raw.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			v.errs.add(path, "must be a number")
			return 0
		}
		f = parsed
	default:
		v.errs.add(path, "must be a number")
		return 0
	}

	switch {
	case math.IsNaN(f) || f < 0:
		v.errs.add(path, "must not be negative")
		return 0
	case f > boxScale:
		v.errs.add(path, "out of range: %g", f)
		return 0
	case f > 1:
		f /= boxScale
	}
	return f
}

func (v *validator) requiredString(obj map[string]any, path, key string) string {
	raw, ok := obj[key]
	if !ok || raw == nil {
		v.errs.add(path, "is required")
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		v.errs.add(path, "must be a string")
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		v.errs.add(path, "must not be empty")
	}
	return s
}

func (v *validator) optionalString(obj map[string]any, path string, keys ...string) string {
	raw, _ := lookup(obj, keys...)
	if raw == nil {
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		v.errs.add(path, "must be a string")
		return ""
	}
	return strings.TrimSpace(s)
}

// lookup returns the first present, non-null value among keys.
func lookup(obj map[string]any, keys ...string) (any, string) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, k
		}
	}
	return nil, keys[0]
}

// stripFences removes a surrounding Markdown code fence, with or without a
// language tag.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
