package agent

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shaiso/Pipeliner/internal/httpcall"
)

// HTTPExecutor — задача типа "http". Параметры и Data те же, что у
// шага http на сервере (см. httpcall). Неожиданный код ответа —
// логическая ошибка задачи, Data сохраняется.
type HTTPExecutor struct {
	// Client — транспорт запросов; nil — общий транспорт httpcall.
	Client *http.Client
}

// Execute выполняет HTTP-запрос.
func (e *HTTPExecutor) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	req, err := httpcall.Parse(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}

	resp, err := httpcall.NewClient(e.Client).Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}

	return &Result{Data: resp.Outcomes(), Error: req.Check(resp)}, nil
}
