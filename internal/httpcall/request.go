// Package httpcall выполняет HTTP-запросы, описанные параметрами шага.
//
// Один и тот же запрос может выполниться синхронно на сервере (шаг http)
// или уйти делегату задачей типа "http"; разбор параметров и формат
// результата в обоих случаях общий.
package httpcall

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// DefaultTimeout — таймаут запроса без timeout_sec.
const DefaultTimeout = 30 * time.Second

// Ключи параметров.
const (
	ParamMethod          = "method"
	ParamURL             = "url"
	ParamHeaders         = "headers"
	ParamBody            = "body"
	ParamFollowRedirects = "follow_redirects"
	ParamValidateSSL     = "validate_ssl"
	ParamTimeoutSec      = "timeout_sec"
	ParamExpectedStatus  = "expected_status"
)

var (
	// ErrInvalidRequest — параметры не описывают запрос.
	ErrInvalidRequest = errors.New("invalid http request")

	// ErrTransport — запрос не дошёл до ответа (DNS, соединение, таймаут).
	ErrTransport = errors.New("http transport error")
)

// Request — разобранные параметры запроса.
type Request struct {
	Method          string
	URL             string
	Headers         map[string]string
	Body            any
	FollowRedirects bool
	ValidateSSL     bool
	Timeout         time.Duration

	// ExpectedStatus — коды успеха. Пусто: успех любой код < 400.
	ExpectedStatus []int
}

// Parse разбирает параметры. Числа принимаются любого типа: после CBOR
// они приходят как uint64/int64, после JSON как float64.
func Parse(params map[string]any) (*Request, error) {
	req := &Request{
		Method:          http.MethodGet,
		Headers:         make(map[string]string),
		Body:            params[ParamBody],
		FollowRedirects: boolParam(params, ParamFollowRedirects, true),
		ValidateSSL:     boolParam(params, ParamValidateSSL, true),
		Timeout:         DefaultTimeout,
	}

	req.URL, _ = params[ParamURL].(string)
	if req.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	if m, ok := params[ParamMethod].(string); ok && m != "" {
		req.Method = strings.ToUpper(m)
	}
	if sec, ok := number(params[ParamTimeoutSec]); ok && sec > 0 {
		req.Timeout = time.Duration(sec * float64(time.Second))
	}

	switch h := params[ParamHeaders].(type) {
	case nil:
	case map[string]string:
		for k, v := range h {
			req.Headers[k] = v
		}
	case map[string]any:
		for k, v := range h {
			if v != nil {
				req.Headers[k] = fmt.Sprint(v)
			}
		}
	default:
		return nil, fmt.Errorf("%w: headers must be a map, got %T", ErrInvalidRequest, h)
	}

	codes, err := statusCodes(params[ParamExpectedStatus])
	if err != nil {
		return nil, err
	}
	req.ExpectedStatus = codes

	return req, nil
}

// Check возвращает описание неудачи или "" для ожидаемого ответа.
func (r *Request) Check(resp *Response) string {
	ok := resp.StatusCode < http.StatusBadRequest
	if len(r.ExpectedStatus) > 0 {
		ok = slices.Contains(r.ExpectedStatus, resp.StatusCode)
	}
	if ok {
		return ""
	}

	detail := strings.TrimSpace(string(resp.Raw))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, detail)
}

func statusCodes(v any) ([]int, error) {
	if v == nil {
		return nil, nil
	}
	if n, ok := number(v); ok {
		return []int{int(n)}, nil
	}

	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected_status must be a number or a list, got %T", ErrInvalidRequest, v)
	}
	codes := make([]int, 0, len(list))
	for _, item := range list {
		n, ok := number(item)
		if !ok {
			return nil, fmt.Errorf("%w: expected_status item %v is not a number", ErrInvalidRequest, item)
		}
		codes = append(codes, int(n))
	}
	return codes, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

func boolParam(params map[string]any, key string, def bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}
