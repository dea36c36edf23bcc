// Package fee реализует расчёт пени за просроченные выдачи.
package fee

import "time"

const day = 24 * time.Hour

// OverdueDays возвращает число полных суток просрочки на момент now.
// Неполные сутки отбрасываются, результат не бывает отрицательным.
func OverdueDays(dueAt, now time.Time) int64 {
	if !now.After(dueAt) {
		return 0
	}
	return int64(now.Sub(dueAt) / day)
}

// LateFee возвращает пеню в центах для выдачи со сроком dueAt.
// Возвращённая выдача и выдача в пределах срока пени не имеют.
// Ставку пени по категории книги подбирает вызывающая сторона.
func LateFee(dueAt time.Time, returned bool, ratePerDayCents int64, now time.Time) int64 {
	if returned {
		return 0
	}
	return OverdueDays(dueAt, now) * ratePerDayCents
}
