package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Ошибки хранилища. memstore возвращает те же значения, поэтому сервисы
// проверяют их через errors.Is независимо от бэкенда.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict — CAS не применился: запись уже в другом статусе.
	ErrConflict = errors.New("conditional update conflict")
)

// uniqueViolation — SQLSTATE нарушения уникальности.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
