// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/library-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrBookNotFound возвращается, если книга не найдена.
	ErrBookNotFound = errors.New("book not found")
	// ErrBookUnavailable возвращается при попытке выдать уже выданную книгу.
	ErrBookUnavailable = errors.New("book is not available")
	// ErrLoanNotFound возвращается, если выдача не найдена.
	ErrLoanNotFound = errors.New("loan not found")
	// ErrLoanAlreadyReturned возвращается при повторном возврате выдачи.
	ErrLoanAlreadyReturned = errors.New("loan already returned")
	// ErrLoanOwnedByAnother возвращается, если выдача принадлежит другому читателю.
	ErrLoanOwnedByAnother = errors.New("loan belongs to another user")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks на
		// транзакциях выдачи/возврата, конкурирующих за одну книгу.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, email, name string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, name, password_hash, role) VALUES ($1, $2, $3, $4) RETURNING id`,
		email, name, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, role, created_at FROM users WHERE email = $1`,
		email,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, role, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// ListBooks возвращает каталог книг.
func (r *PostgresRepository) ListBooks(ctx context.Context) ([]model.Book, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, author, category, late_fee_rate, available
		 FROM books
		 ORDER BY title`,
	)
	if err != nil {
		return nil, fmt.Errorf("select books: %w", err)
	}
	defer rows.Close()

	var books []model.Book
	for rows.Next() {
		var b model.Book
		var category string
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &category, &b.LateFeeRatePerDay, &b.Available); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		b.Category = model.Category(category)
		books = append(books, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return books, nil
}

// GetBook возвращает книгу по идентификатору.
func (r *PostgresRepository) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, title, author, category, late_fee_rate, available FROM books WHERE id = $1`,
		id,
	)

	var b model.Book
	var category string
	err := row.Scan(&b.ID, &b.Title, &b.Author, &category, &b.LateFeeRatePerDay, &b.Available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}
	b.Category = model.Category(category)

	return &b, nil
}

// CreateLoan создаёт выдачу с уже назначенным сроком возврата и помечает
// книгу недоступной. Строка книги блокируется для сериализации
// конкурирующих выдач одного экземпляра.
func (r *PostgresRepository) CreateLoan(ctx context.Context, userID, bookID int64, borrowedAt, dueAt time.Time) (int64, error) {
	var loanID int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var available bool
		err = tx.QueryRow(ctx,
			`SELECT available FROM books WHERE id = $1 FOR UPDATE`,
			bookID,
		).Scan(&available)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrBookNotFound
			}
			return fmt.Errorf("lock book for update: %w", err)
		}

		if !available {
			return ErrBookUnavailable
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO loans (user_id, book_id, borrowed_at, due_at) VALUES ($1, $2, $3, $4) RETURNING id`,
			userID, bookID, borrowedAt, dueAt,
		).Scan(&loanID)
		if err != nil {
			return fmt.Errorf("insert loan: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE books SET available = FALSE WHERE id = $1`,
			bookID,
		)
		if err != nil {
			return fmt.Errorf("mark book unavailable: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return loanID, nil
}

// ReturnLoan отмечает выдачу возвращённой и восстанавливает доступность книги.
func (r *PostgresRepository) ReturnLoan(ctx context.Context, userID, loanID int64, returnedAt time.Time) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var ownerID, bookID int64
		var returned bool
		err = tx.QueryRow(ctx,
			`SELECT user_id, book_id, returned FROM loans WHERE id = $1 FOR UPDATE`,
			loanID,
		).Scan(&ownerID, &bookID, &returned)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrLoanNotFound
			}
			return fmt.Errorf("lock loan for update: %w", err)
		}

		if ownerID != userID {
			return ErrLoanOwnedByAnother
		}
		if returned {
			return ErrLoanAlreadyReturned
		}

		_, err = tx.Exec(ctx,
			`UPDATE loans SET returned = TRUE, returned_at = $2 WHERE id = $1`,
			loanID, returnedAt,
		)
		if err != nil {
			return fmt.Errorf("update loan: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE books SET available = TRUE WHERE id = $1`,
			bookID,
		)
		if err != nil {
			return fmt.Errorf("mark book available: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetLoansByUser возвращает выдачи пользователя с данными книг, включая возвращённые.
func (r *PostgresRepository) GetLoansByUser(ctx context.Context, userID int64) ([]model.LoanDetail, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT l.id, l.user_id, l.book_id, l.borrowed_at, l.due_at, l.returned, l.returned_at,
		        b.title, b.author, b.late_fee_rate
		 FROM loans l
		 JOIN books b ON b.id = l.book_id
		 WHERE l.user_id = $1
		 ORDER BY l.borrowed_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select loans: %w", err)
	}
	defer rows.Close()

	var loans []model.LoanDetail
	for rows.Next() {
		var l model.LoanDetail
		if err := rows.Scan(
			&l.ID, &l.UserID, &l.BookID, &l.BorrowedAt, &l.DueAt, &l.Returned, &l.ReturnedAt,
			&l.BookTitle, &l.BookAuthor, &l.LateFeeRatePerDay,
		); err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		loans = append(loans, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return loans, nil
}

// FindOverdue возвращает просроченные невозвращённые выдачи на момент now.
// Книга и читатель подтягиваются через LEFT JOIN: выдача с висячей
// ссылкой попадает в выборку с нулевыми полями и отбраковывается выше.
func (r *PostgresRepository) FindOverdue(ctx context.Context, now time.Time) ([]model.OverdueLoan, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT l.id, l.due_at,
		        COALESCE(b.id, 0), COALESCE(b.title, ''), COALESCE(b.author, ''), COALESCE(b.late_fee_rate, 0),
		        COALESCE(u.id, 0), COALESCE(u.name, ''), COALESCE(u.email, '')
		 FROM loans l
		 LEFT JOIN books b ON b.id = l.book_id
		 LEFT JOIN users u ON u.id = l.user_id
		 WHERE l.returned = FALSE AND l.due_at < $1
		 ORDER BY l.due_at`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("select overdue loans: %w", err)
	}
	defer rows.Close()

	var res []model.OverdueLoan
	for rows.Next() {
		var o model.OverdueLoan
		if err := rows.Scan(
			&o.LoanID, &o.DueAt,
			&o.BookID, &o.BookTitle, &o.BookAuthor, &o.LateFeeRatePerDay,
			&o.BorrowerID, &o.BorrowerName, &o.BorrowerEmail,
		); err != nil {
			return nil, fmt.Errorf("scan overdue loan: %w", err)
		}
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// FindStaffEmails возвращает адреса всех пользователей с ролью библиотекаря.
func (r *PostgresRepository) FindStaffEmails(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT email FROM users WHERE role = $1`,
		string(model.RoleLibrarian),
	)
	if err != nil {
		return nil, fmt.Errorf("select staff emails: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan staff email: %w", err)
		}
		emails = append(emails, email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return emails, nil
}
