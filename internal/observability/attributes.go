// Package observability provides the service's OpenTelemetry metrics.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrModelType = "model_type"
	attrSuccess   = "success"
	attrOutcome   = "outcome"
	attrKind      = "kind"
	attrBreaker   = "breaker"
	attrState     = "state"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func modelTypeAttr(modelType string) attribute.KeyValue {
	return attribute.String(attrModelType, modelType)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func breakerAttr(name string) attribute.KeyValue {
	return attribute.String(attrBreaker, name)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

// normalizePath replaces job IDs with a placeholder to bound cardinality.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, sub, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + sub
	}
	return prefix + "{jobId}"
}
