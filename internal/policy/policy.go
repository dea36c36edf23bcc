// Package policy реализует правила выдачи: расчёт срока возврата по категории книги.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/library-system/internal/model"
)

// ErrUnknownCategory возвращается для категории, не описанной в таблице правил.
// Отсутствие категории — ошибка данных или конфигурации, молчаливого
// срока по умолчанию не существует.
var ErrUnknownCategory = errors.New("unknown book category")

// Сроки выдачи по категориям. Новая категория — новая строка таблицы,
// а не новая ветка кода.
var loanPeriods = map[model.Category]time.Duration{
	model.CategoryPublic:      48 * time.Hour,
	model.CategoryAcademic:    72 * time.Hour,
	model.CategoryReadingRoom: 30 * time.Minute,
}

// DueDate возвращает срок возврата для книги указанной категории,
// выданной в момент borrowedAt. Функция чистая и детерминированная.
func DueDate(borrowedAt time.Time, category model.Category) (time.Time, error) {
	period, ok := loanPeriods[category]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return borrowedAt.Add(period), nil
}
