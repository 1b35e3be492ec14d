package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/go-viper/mapstructure/v2"
	"github.com/samber/lo"

	"github.com/orcaflow/orcaflow/internal/core"
)

// RegisterBuiltins installs the built-in node handler set. Deployments
// extend the registry with their own types before starting the service.
func RegisterBuiltins(r *Registry) {
	r.Register("noop", HandlerFunc(noopHandler), Manifest{Timeout: 5 * time.Second})
	r.Register("transform", HandlerFunc(transformHandler), Manifest{Timeout: 10 * time.Second})
	r.Register("delay", HandlerFunc(delayHandler), Manifest{})
	r.Register("fail", HandlerFunc(failHandler), Manifest{Timeout: 5 * time.Second})
	r.Register("http.request", HandlerFunc(httpHandler), Manifest{
		Timeout:      60 * time.Second,
		AllowNetwork: true,
	})
}

// noopHandler echoes its "output" parameter, or an empty object. Useful for
// smoke tests and as a join point in graphs.
func noopHandler(_ context.Context, req *Request) (json.RawMessage, error) {
	if v, ok := req.Parameters["output"]; ok {
		return json.Marshal(v)
	}
	return json.RawMessage(`{}`), nil
}

type transformParams struct {
	// Fields maps output field names to input slot paths, e.g.
	// {"total": "pricing.amount"} reads slot "pricing", field "amount".
	Fields map[string]string `mapstructure:"fields"`
}

// transformHandler projects input slots into a new output object. The path
// before the first dot names the slot; the rest addresses into its JSON.
func transformHandler(_ context.Context, req *Request) (json.RawMessage, error) {
	var params transformParams
	if err := mapstructure.Decode(req.Parameters, &params); err != nil {
		return nil, core.NewError(core.KindValidation, "invalid transform parameters: %s", err)
	}

	out := make(map[string]any, len(params.Fields))
	for _, field := range lo.Keys(params.Fields) {
		path := params.Fields[field]
		slot, rest, _ := strings.Cut(path, ".")
		raw, ok := req.Input[slot]
		if !ok {
			return nil, core.NewError(core.KindValidation, "transform references unbound input slot %q", slot)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, core.NewError(core.KindValidation, "input slot %q is not valid JSON: %s", slot, err)
		}
		if rest != "" {
			var found bool
			doc, found = descend(doc, rest)
			if !found {
				return nil, core.NewError(core.KindValidation, "path %q not found in slot %q", rest, slot)
			}
		}
		out[field] = doc
	}
	return json.Marshal(out)
}

func descend(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

type delayParams struct {
	Duration string `mapstructure:"duration"`
}

// delayHandler sleeps for the configured duration, honoring cancellation.
func delayHandler(ctx context.Context, req *Request) (json.RawMessage, error) {
	var params delayParams
	if err := mapstructure.Decode(req.Parameters, &params); err != nil {
		return nil, core.NewError(core.KindValidation, "invalid delay parameters: %s", err)
	}
	d, err := time.ParseDuration(params.Duration)
	if err != nil {
		return nil, core.NewError(core.KindValidation, "invalid delay duration %q: %s", params.Duration, err)
	}
	select {
	case <-time.After(d):
		return json.Marshal(map[string]any{"slept": params.Duration})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failParams struct {
	Message   string `mapstructure:"message"`
	Retryable bool   `mapstructure:"retryable"`
	// SucceedAfter makes attempts up to (but not including) this number
	// fail, for exercising retry paths.
	SucceedAfter int `mapstructure:"succeedAfter"`
}

// failHandler injects errors for testing retry and fail-policy behavior.
func failHandler(_ context.Context, req *Request) (json.RawMessage, error) {
	var params failParams
	if err := mapstructure.Decode(req.Parameters, &params); err != nil {
		return nil, core.NewError(core.KindValidation, "invalid fail parameters: %s", err)
	}
	if params.SucceedAfter > 0 && req.Attempt >= params.SucceedAfter {
		return json.Marshal(map[string]any{"attempt": req.Attempt})
	}
	msg := params.Message
	if msg == "" {
		msg = "injected failure"
	}
	if params.Retryable {
		return nil, core.NewRetryable(core.KindRuntimeError, "%s", msg)
	}
	return nil, core.NewError(core.KindRuntimeError, "%s", msg)
}

type httpParams struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Query   map[string]string `mapstructure:"query"`
	Body    string            `mapstructure:"body"`
}

type httpResult struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// httpHandler performs one HTTP request. Non-2xx responses are runner-level
// failures so edge conditions can branch on them only via a completed
// wrapper node; 5xx is retryable, 4xx is not.
func httpHandler(ctx context.Context, req *Request) (json.RawMessage, error) {
	var params httpParams
	if err := mapstructure.Decode(req.Parameters, &params); err != nil {
		return nil, core.NewError(core.KindValidation, "invalid http parameters: %s", err)
	}
	if params.URL == "" {
		return nil, core.NewError(core.KindValidation, "http.request requires a url")
	}
	method := strings.ToUpper(params.Method)
	if method == "" {
		method = "GET"
	}

	client := resty.New()
	r := client.R().SetContext(ctx).SetHeaders(params.Headers).SetQueryParams(params.Query)
	if params.Body != "" {
		r = r.SetBody(params.Body)
	}
	resp, err := r.Execute(method, params.URL)
	if err != nil {
		return nil, core.NewRetryable(core.KindRuntimeError, "http request failed: %s", err)
	}

	headers := make(map[string]string)
	for k, v := range resp.Header() {
		headers[k] = strings.Join(v, ", ")
	}
	result := httpResult{
		StatusCode: resp.StatusCode(),
		Headers:    headers,
		Body:       string(resp.Body()),
	}
	switch {
	case resp.StatusCode() >= 500:
		return nil, core.NewRetryable(core.KindRuntimeError, "http status %d from %s", resp.StatusCode(), params.URL)
	case resp.StatusCode() >= 400:
		return nil, core.NewError(core.KindRuntimeError, "http status %d from %s", resp.StatusCode(), params.URL)
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal http result: %w", err)
	}
	return out, nil
}
