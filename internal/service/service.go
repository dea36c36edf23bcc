// Package service реализует бизнес-логику библиотечного сервиса.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/library-system/internal/fee"
	"github.com/mmeshcher/library-system/internal/model"
	"github.com/mmeshcher/library-system/internal/policy"
	"github.com/mmeshcher/library-system/internal/repository"
)

// ErrInvalidCredentials возвращается при неверной паре email/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, email, name string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListBooks(ctx context.Context) ([]model.Book, error)
	GetBook(ctx context.Context, id int64) (*model.Book, error)
	CreateLoan(ctx context.Context, userID, bookID int64, borrowedAt, dueAt time.Time) (int64, error)
	ReturnLoan(ctx context.Context, userID, loanID int64, returnedAt time.Time) error
	GetLoansByUser(ctx context.Context, userID int64) ([]model.LoanDetail, error)
}

// Notifier описывает контракт доставки писем, используемый сервисом
// для подтверждений выдачи.
type Notifier interface {
	SendTemplated(ctx context.Context, to, subject, templateKey string, variables map[string]any) error
	SendPlainText(ctx context.Context, to, subject, body string) error
}

// LoanWithFee — выдача с текущей пеней на момент запроса.
type LoanWithFee struct {
	model.LoanDetail
	FeeCents int64
}

// Service содержит бизнес-логику библиотечного сервиса.
type Service struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger
}

// NewService создаёт новый сервис с указанными репозиторием и шлюзом уведомлений.
func NewService(repo Repository, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового читателя.
func (s *Service) RegisterUser(ctx context.Context, email, name, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	id, err := s.repo.CreateUser(ctx, email, name, hash, model.RoleMember)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет email и пароль и возвращает идентификатор пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (int64, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

// IsLibrarian сообщает, имеет ли пользователь роль библиотекаря.
func (s *Service) IsLibrarian(ctx context.Context, userID int64) (bool, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Role == model.RoleLibrarian, nil
}

// ListBooks возвращает каталог книг.
func (s *Service) ListBooks(ctx context.Context) ([]model.Book, error) {
	return s.repo.ListBooks(ctx)
}

// BorrowBook выдаёт книгу пользователю. Срок возврата назначается здесь,
// единственный раз, по категории книги; дальше он не пересчитывается.
func (s *Service) BorrowBook(ctx context.Context, userID, bookID int64, now time.Time) (*model.Loan, error) {
	book, err := s.repo.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	// Ошибка неизвестной категории — дефект данных, наверх без подмены.
	dueAt, err := policy.DueDate(now, book.Category)
	if err != nil {
		return nil, err
	}

	loanID, err := s.repo.CreateLoan(ctx, userID, bookID, now, dueAt)
	if err != nil {
		return nil, err
	}

	loan := &model.Loan{
		ID:         loanID,
		UserID:     userID,
		BookID:     bookID,
		BorrowedAt: now,
		DueAt:      dueAt,
	}

	s.sendBorrowConfirmation(ctx, userID, book, dueAt)

	return loan, nil
}

// sendBorrowConfirmation отправляет подтверждение выдачи. Доставка
// best-effort: выдача не отменяется из-за недоставленного письма.
func (s *Service) sendBorrowConfirmation(ctx context.Context, userID int64, book *model.Book, dueAt time.Time) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		s.logger.Warn("borrow confirmation skipped: user lookup failed",
			zap.Int64("userID", userID),
			zap.Error(err),
		)
		return
	}

	const subject = "Book Borrowed Successfully"
	due := dueAt.Format("Jan 02, 2006")

	err = s.notifier.SendTemplated(ctx, u.Email, subject, "borrow-confirmation", map[string]any{
		"name":      u.Name,
		"bookTitle": book.Title,
		"dueDate":   due,
	})
	if err == nil {
		return
	}

	body := fmt.Sprintf("Hi %s,\n\nYou have borrowed '%s'.\nPlease return it by %s.\n\nHappy Reading!\nThe Library Team",
		u.Name, book.Title, due)
	if err := s.notifier.SendPlainText(ctx, u.Email, subject, body); err != nil {
		s.logger.Warn("failed to send borrow confirmation",
			zap.Int64("userID", userID),
			zap.String("book", book.Title),
			zap.Error(err),
		)
	}
}

// ReturnBook отмечает выдачу возвращённой.
func (s *Service) ReturnBook(ctx context.Context, userID, loanID int64, now time.Time) error {
	return s.repo.ReturnLoan(ctx, userID, loanID, now)
}

// GetLoansByUser возвращает выдачи пользователя с текущей пеней по каждой.
func (s *Service) GetLoansByUser(ctx context.Context, userID int64, now time.Time) ([]LoanWithFee, error) {
	loans, err := s.repo.GetLoansByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := make([]LoanWithFee, 0, len(loans))
	for _, l := range loans {
		res = append(res, LoanWithFee{
			LoanDetail: l,
			FeeCents:   fee.LateFee(l.DueAt, l.Returned, l.LateFeeRatePerDay, now),
		})
	}

	return res, nil
}
