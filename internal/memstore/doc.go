// Package memstore — in-memory реализация всех хранилищ.
//
// Используется в тестах и при запуске сервера без PostgreSQL.
// Семантика совпадает с repo: те же sentinel-ошибки, условные
// обновления возвращают repo.ErrConflict. Записи возвращаются
// копиями, поэтому вызывающий не может изменить состояние в обход
// условного обновления.
package memstore
