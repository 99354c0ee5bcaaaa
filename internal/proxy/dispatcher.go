package proxy

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/hestia-gateway/hestia/internal/selector"
)

// DispatchRequest is the parsed body of POST /v1/requests.
type DispatchRequest struct {
	ServiceID string            `json:"serviceId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// DispatchEnvelope is the response shape for POST /v1/requests:
// {status, headers, body}, with body parsed JSON when the upstream's
// content-type said so, else the raw text.
type DispatchEnvelope struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    interface{}       `json:"body"`
}

// BuildOutbound turns a parsed dispatcher request into an OutboundRequest
// ready for Pipeline.Forward. If the caller supplied a structured body
// and no content-type header, the body is serialized as JSON and
// content-type is set to application/json, per §4.3. modelKey is the
// service's configured routing.model_key (empty defaults to "model").
func BuildOutbound(req DispatchRequest, modelKey string) (OutboundRequest, error) {
	headers := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		headers.Set(k, v)
	}

	var bodyBytes []byte
	if len(req.Body) > 0 && string(req.Body) != "null" {
		bodyBytes = []byte(req.Body)
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/json")
		}
	}

	reqCtx := selector.RequestContext{
		Method:  req.Method,
		Path:    req.Path,
		Headers: headers,
		Fields:  extractFields(headers, req.Body, modelKey),
	}

	return OutboundRequest{
		Method:  strings.ToUpper(req.Method),
		Path:    req.Path,
		Headers: headers,
		Body:    bodyBytes,
		ReqCtx:  reqCtx,
	}, nil
}

// extractFields pulls well-known strategy lookups (model, user_region)
// out of the headers and the JSON body, if present, so a Strategy never
// has to parse the request itself. The model hint is read from modelKey
// in the body (falling back to the literal "model" key), matching the
// model router's own fallback order.
func extractFields(headers http.Header, body json.RawMessage, modelKey string) map[string]string {
	if modelKey == "" {
		modelKey = "model"
	}
	fields := make(map[string]string)
	if region := headers.Get("X-User-Region"); region != "" {
		fields["user_region"] = region
	}
	if len(body) > 0 {
		var parsed map[string]interface{}
		if err := json.Unmarshal(body, &parsed); err == nil {
			if model, ok := parsed[modelKey].(string); ok {
				fields["model"] = model
			} else if model, ok := parsed["model"].(string); ok {
				fields["model"] = model
			}
		}
	}
	return fields
}

// BuildEnvelope materializes an UpstreamResult into the dispatcher's JSON
// envelope. body is parsed as JSON when the upstream content-type
// contains "application/json"; otherwise it is returned as text.
func BuildEnvelope(result *UpstreamResult) DispatchEnvelope {
	headers := make(map[string]string, len(result.Headers))
	contentType := ""
	for k, v := range result.Headers {
		if len(v) > 0 {
			headers[k] = v[0]
		}
		if strings.EqualFold(k, "Content-Type") && len(v) > 0 {
			contentType = v[0]
		}
	}

	var body interface{}
	if strings.Contains(contentType, "application/json") {
		var parsed interface{}
		if err := json.Unmarshal(result.Body, &parsed); err == nil {
			body = parsed
		} else {
			body = string(result.Body)
		}
	} else {
		body = string(result.Body)
	}

	return DispatchEnvelope{
		Status:  result.StatusCode,
		Headers: headers,
		Body:    body,
	}
}

// ParseTransparentFields builds the strategy lookup Fields map for a
// transparent-proxy request from its headers, query string, and JSON
// body, per §4.3's "parsed body / model hint if present". The query
// string wins over the body when both carry a model hint, since it is
// the more explicit signal on a transparent call. modelKey is the
// service's configured routing.model_key (empty defaults to "model").
func ParseTransparentFields(headers http.Header, query url.Values, body []byte, modelKey string) map[string]string {
	fields := extractFields(headers, json.RawMessage(body), modelKey)
	if model := query.Get("model"); model != "" {
		fields["model"] = model
	}
	return fields
}
