// Package blobstore хранит большие результаты задач делегатов.
//
// Результат, превышающий порог inline-хранения, сжимается zstd и
// кладётся в S3-совместимое хранилище (MinIO). В DelegateTask
// остаётся только ключ (ResultRef).
package blobstore

import (
	"context"
	"errors"
	"path"
)

var (
	// ErrNotFound — объект не найден.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidConfig — неполная конфигурация хранилища.
	ErrInvalidConfig = errors.New("invalid blobstore config")
)

// Store — хранилище объектов.
//
// Put и Get работают с несжатыми данными, сжатие — деталь реализации.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// TaskResultKey возвращает ключ результата задачи.
func TaskResultKey(taskID string) string {
	return path.Join("task-results", taskID+".zst")
}
