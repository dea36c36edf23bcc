// Package model содержит доменные сущности библиотечного сервиса.
package model

import "time"

// Role описывает роль пользователя в библиотеке.
type Role string

const (
	RoleMember    Role = "MEMBER"
	RoleLibrarian Role = "LIBRARIAN"
)

// User представляет зарегистрированного читателя или библиотекаря.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// Category описывает категорию книги, определяющую правила выдачи.
type Category string

const (
	CategoryPublic      Category = "PUBLIC"
	CategoryAcademic    Category = "ACADEMIC"
	CategoryReadingRoom Category = "READING_ROOM"
)

// Book описывает книгу каталога. Ставка пени хранится в центах за день просрочки.
type Book struct {
	ID                int64
	Title             string
	Author            string
	Category          Category
	LateFeeRatePerDay int64
	Available         bool
}

// Loan описывает одну выдачу книги. Срок возврата назначается один раз
// при создании и после этого не пересчитывается.
type Loan struct {
	ID         int64
	UserID     int64
	BookID     int64
	BorrowedAt time.Time
	DueAt      time.Time
	Returned   bool
	ReturnedAt *time.Time
}

// LoanDetail — выдача с данными книги для показа читателю.
type LoanDetail struct {
	Loan
	BookTitle         string
	BookAuthor        string
	LateFeeRatePerDay int64
}

// OverdueLoan — строка выборки просроченных выдач с данными книги и читателя.
// Поля книги или читателя остаются нулевыми, если запись ссылается на
// удалённую сущность: такие строки движок сверки пропускает с предупреждением.
type OverdueLoan struct {
	LoanID            int64
	DueAt             time.Time
	BookID            int64
	BookTitle         string
	BookAuthor        string
	LateFeeRatePerDay int64
	BorrowerID        int64
	BorrowerName      string
	BorrowerEmail     string
}
