package aggregate

import (
	"fmt"
	"strings"
)

// Function is a supported aggregate function.
type Function string

const (
	Min   Function = "min"
	Max   Function = "max"
	Avg   Function = "avg"
	Sum   Function = "sum"
	Count Function = "count"
)

var functions = []Function{Min, Max, Avg, Sum, Count}

// Functions returns all supported functions in canonical order.
func Functions() []Function {
	out := make([]Function, len(functions))
	copy(out, functions)
	return out
}

// ParseFunction returns the Function named by s (case-insensitive).
func ParseFunction(s string) (Function, error) {
	f := Function(strings.ToLower(strings.TrimSpace(s)))
	if f.Valid() {
		return f, nil
	}
	return "", fmt.Errorf("unsupported aggregate function %q", s)
}

// Valid reports whether f is one of the supported functions.
func (f Function) Valid() bool {
	for _, known := range functions {
		if f == known {
			return true
		}
	}
	return false
}

// SQL returns the upper-case SQL name of the function.
func (f Function) SQL() string {
	return strings.ToUpper(string(f))
}

// Compute applies fn to values. It returns false when values is empty,
// mirroring a grouped query that yields no row.
// Stores that cannot aggregate server-side use this after fetching the group.
func Compute(fn Function, values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	switch fn {
	case Count:
		return float64(len(values)), true
	case Sum, Avg:
		var total float64
		for _, v := range values {
			total += v
		}
		if fn == Avg {
			return total / float64(len(values)), true
		}
		return total, true
	case Min:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, true
	case Max:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, true
	}
	return 0, false
}
