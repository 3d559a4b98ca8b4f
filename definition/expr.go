package definition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PredicateEvaluator decides flow predicates against case data.  The
// default evaluator understands simple forms; callers may install a richer
// one on the engine.
type PredicateEvaluator interface {
	Eval(predicate string, data map[string]interface{}) (bool, error)
}

// BasicEvaluator evaluates predicates of the forms:
//
//	name           truthiness of data["name"]
//	!name          negated truthiness
//	name == value  equality against a literal (number, bool or string)
//	name != value  inequality against a literal
type BasicEvaluator struct {
}

func NewBasicEvaluator() *BasicEvaluator {
	return &BasicEvaluator{}
}

func (e *BasicEvaluator) Eval(predicate string, data map[string]interface{}) (bool, error) {

	expr := strings.TrimSpace(predicate)
	if expr == "" {
		return false, fmt.Errorf("empty predicate")
	}

	if idx := strings.Index(expr, "=="); idx >= 0 {
		return e.compare(expr[:idx], expr[idx+2:], data, true)
	}
	if idx := strings.Index(expr, "!="); idx >= 0 {
		return e.compare(expr[:idx], expr[idx+2:], data, false)
	}

	if strings.HasPrefix(expr, "!") {
		truthy, err := e.truthy(expr[1:], data)
		return !truthy, err
	}
	return e.truthy(expr, data)
}

func (e *BasicEvaluator) truthy(name string, data map[string]interface{}) (bool, error) {
	value, exists := data[strings.TrimSpace(name)]
	if !exists {
		return false, nil
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return v != "", nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case nil:
		return false, nil
	}
	return true, nil
}

func (e *BasicEvaluator) compare(name, literal string, data map[string]interface{}, wantEqual bool) (bool, error) {
	value := data[strings.TrimSpace(name)]
	equal := literalEquals(value, strings.TrimSpace(literal))
	return equal == wantEqual, nil
}

func literalEquals(value interface{}, literal string) bool {

	if len(literal) >= 2 {
		if (literal[0] == '\'' && literal[len(literal)-1] == '\'') ||
			(literal[0] == '"' && literal[len(literal)-1] == '"') {
			s, ok := value.(string)
			return ok && s == literal[1:len(literal)-1]
		}
	}

	switch literal {
	case "true":
		b, ok := value.(bool)
		return ok && b
	case "false":
		b, ok := value.(bool)
		return ok && !b
	}

	if num, err := strconv.ParseFloat(literal, 64); err == nil {
		switch v := value.(type) {
		case int:
			return float64(v) == num
		case int64:
			return float64(v) == num
		case float64:
			return v == num
		case json.Number:
			f, err := v.Float64()
			return err == nil && f == num
		}
		return false
	}

	// bare string literal
	s, ok := value.(string)
	return ok && s == literal
}
