package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes возвращает роутер со всеми маршрутами API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		observe(h.logger),
		recoverer(h.logger),
	)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		MethodNotAllowed(w)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Plans
		r.Get("/plans", h.ListPlans)
		r.Post("/plans", h.RegisterPlan)
		r.Get("/plans/{id}", h.GetPlan)
		r.Post("/plans/{id}/executions", h.StartExecution)

		// Executions
		r.Get("/executions", h.ListExecutions)
		r.Get("/executions/{id}", h.GetExecution)
		r.Get("/executions/{id}/nodes", h.ListExecutionNodes)
		r.Post("/executions/{id}/interrupts", h.RegisterInterrupt)
		r.Get("/interrupts/{id}", h.GetInterrupt)

		// Callbacks
		r.Post("/callbacks/{correlationID}", h.Callback)

		// Delegate protocol
		r.Route("/delegates/{id}", func(r chi.Router) {
			r.Post("/heartbeat", h.DelegateHeartbeat)
			r.Get("/tasks", h.PendingTasks)
			r.Post("/tasks/{taskID}/acquire", h.AcquireTask)
			r.Post("/tasks/{taskID}/start", h.StartTask)
			r.Post("/tasks/{taskID}/response", h.PushResponse)
			r.Get("/perpetual-tasks", h.DelegatePerpetualTasks)
			r.Post("/perpetual-tasks/{ptID}/heartbeat", h.PerpetualHeartbeat)
		})
		r.Get("/tasks/{id}", h.GetTask)

		// Perpetual tasks
		r.Post("/perpetual-tasks", h.CreatePerpetualTask)
		r.Delete("/perpetual-tasks/{id}", h.DeletePerpetualTask)

		// Constraints
		r.Get("/constraints/{unit}", h.GetConstraint)
	})

	return r
}
