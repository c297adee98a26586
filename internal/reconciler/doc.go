// Package reconciler запускает фоновые задачи восстановления.
//
// Все гарантии системы держатся на сохранённом состоянии, а не на
// доставке сообщений. Reconciler периодически догоняет то, что
// событийный путь мог пропустить:
//
//   - constraint.Reconcile — освобождение ACTIVE экземпляров завершённых владельцев
//   - delegate.ExpireStale / Rebroadcast — истечение и повторная рассылка задач
//   - delegate.ReassignPerpetualTasks — переназначение постоянных задач
//   - waitnotify.ExpireWaits / RedeliverResolved / PurgeOrphans — таймауты ожиданий
//   - orchestrator.SweepStale — watchdog зависших узлов
//   - interrupt.ProcessPending / CloseTerminal — интеррапты
//
// Расписание — robfig/cron со SkipIfStillRunning: медленный проход
// не накладывается сам на себя.
//
// Использование:
//
//	r, err := reconciler.New(reconciler.Config{
//	    Jobs:   reconciler.StandardJobs(deps, 5*time.Second),
//	    Leader: repo.NewLeaderLock(pool, repo.ReconcilerLockKey), // опционально
//	    Logger: logger,
//	})
//	err = r.Run(ctx) // блокирует до отмены ctx
//
// Leader Election:
//
// При нескольких экземплярах сервера задачи выполняет только лидер
// (pg_try_advisory_lock). Без Leader экземпляр считается лидером всегда.
package reconciler
