package httpcall

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// MaxResponseBody — сколько байт тела ответа попадает в outcomes.
const MaxResponseBody = 10 << 20

// Транспорты общие для всех запросов: пул соединений не должен
// создаваться на каждый шаг.
var transports = sync.OnceValues(func() (secure, insecure http.RoundTripper) {
	base := http.DefaultTransport.(*http.Transport)

	s := base.Clone()
	i := base.Clone()
	// validate_ssl: false
	i.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return s, i
})

// Response — ответ в форме, пригодной для outcomes.
type Response struct {
	StatusCode int
	Headers    map[string]any
	Body       any
	Raw        []byte
	Truncated  bool
	Duration   time.Duration
}

// Outcomes возвращает результат для узла или задачи.
func (r *Response) Outcomes() map[string]any {
	out := map[string]any{
		"status_code": r.StatusCode,
		"headers":     r.Headers,
		"body":        r.Body,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Truncated {
		out["truncated"] = true
	}
	return out
}

// Client выполняет Request.
type Client struct {
	base *http.Client
}

// NewClient создаёт Client. base задаёт транспорт (тесты, прокси);
// nil — общие транспорты пакета.
func NewClient(base *http.Client) *Client {
	return &Client{base: base}
}

func (c *Client) httpClient(req *Request) *http.Client {
	secure, insecure := transports()

	hc := &http.Client{Transport: secure}
	if !req.ValidateSSL {
		hc.Transport = insecure
	}
	if c.base != nil {
		hc.Transport = c.base.Transport
		hc.Jar = c.base.Jar
	}
	if !req.FollowRedirects {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return hc
}

// Do выполняет запрос. Ответ с любым кодом не ошибка: успех решает
// Request.Check. Ошибка оборачивает ErrTransport либо ErrInvalidRequest.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode body: %v", ErrInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient(req).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]any, len(resp.Header)),
		Duration:   time.Since(start),
	}
	if len(raw) > MaxResponseBody {
		raw = raw[:MaxResponseBody]
		out.Truncated = true
	}
	out.Raw = raw
	out.Body = decodeBody(raw)
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

// encodeBody: строка и []byte уходят как есть, остальное как JSON.
func encodeBody(body any) (io.Reader, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return bytes.NewReader([]byte(v)), "", nil
	case []byte:
		return bytes.NewReader(v), "", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// decodeBody возвращает JSON-значение или строку, если тело не JSON.
func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
