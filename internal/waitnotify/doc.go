// Package waitnotify связывает асинхронную работу с ждущими узлами.
//
// Ожидание — это персистентная запись (domain.WaitInstance), а не
// заблокированная горутина: узел может ждать часы или дни.
//
// Поток:
//
//	DispatchTask / WaitForAll → WaitInstance{WaitingOn: ids}
//	DoneWith(id, response)    → NotifyResponse (уникален по id)
//	                          → WaitingOn -= id
//	                          → WaitingOn пуст: WAITING → RESOLVED (CAS)
//	                          → Resumer.ResumeNode(callback, responses)
//	                          → удаление записи и ответов
//
// Повторный ответ с тем же correlation id — no-op. Ожидание с таймаутом
// всегда разрешается: ExpireWaits синтезирует ErrorResponse(TIMEOUT)
// для недостающих id.
package waitnotify
