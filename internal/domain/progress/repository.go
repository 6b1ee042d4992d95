package progress

import "context"

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// Store хранит агрегаты прогресса по user id. Политика (кривая, календарь)
// передаётся реализации при создании и применяется при восстановлении.
type Store interface {
	// Load возвращает прогресс пользователя.
	// Возвращает shared.ErrProgressNotFound, если прогресса нет.
	Load(ctx context.Context, userID string) (*UserProgress, error)

	// CreateIfAbsent возвращает существующий прогресс или создаёт пустой.
	// Гонка двух создателей разрешается хранилищем: оба получают одну запись.
	CreateIfAbsent(ctx context.Context, userID string) (*UserProgress, error)

	// Save атомарно записывает состояние, новые записи журнала XP и значки
	// при условии, что версия в хранилище равна p.Version().
	// При проигранной гонке возвращает shared.ErrConcurrentModification
	// и не меняет ни хранилище, ни p. После успеха вызывает p.MarkPersisted.
	Save(ctx context.Context, p *UserProgress) error
}
