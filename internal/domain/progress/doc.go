// Package progress содержит агрегат прогресса пользователя: XP, уровень,
// серию активных дней и полученные значки.
//
// # Основные сущности
//
// UserProgress - граница согласованности. Все изменения проходят через его
// методы, каждый метод либо применяется целиком, либо возвращает ошибку и
// оставляет агрегат без изменений:
//
//	p, _ := progress.New("user-1", progress.DefaultPolicy(), now)
//	p.Correlate(requestID)
//	out, err := p.GrantXP(progress.XPGrant{Amount: 150, Reason: "lesson_complete", ReferenceID: "sub-1"}, now)
//	streak, err := p.RecordActivity(now)
//	for _, id := range p.EvaluateBadgeRules(catalog) {
//	    p.AwardBadge(id, catalog, now)
//	}
//	events := p.ClearEvents()
//
// Curve - кривая уровней (StepCurve или TableCurve). Уровень не хранится
// отдельно и всегда равен Curve.Level(TotalXP).
//
// Streak - чистый автомат серии, считает календарные дни в часовом поясе
// Policy.Calendar.
//
// # События
//
// Мутации накапливают события во внутреннем буфере: XpEarned, LevelUp,
// StreakUpdated, BadgeEarned. Store.Save записывает их в outbox в той же
// транзакции, что и состояние, и очищает буфер. Без хранилища буфер
// забирается ClearEvents. События не перезаписываются следующими мутациями.
//
// # Хранилище
//
// Store - порт с compare-and-swap по версии. Цикл read-modify-write с
// повтором при конфликте живёт в application/command.
package progress
