package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/library-system/internal/middleware"
	"github.com/mmeshcher/library-system/internal/model"
	"github.com/mmeshcher/library-system/internal/reconcile"
	"github.com/mmeshcher/library-system/internal/repository"
	"github.com/mmeshcher/library-system/internal/service"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	isLibrarian    bool
	isLibrarianErr error

	books    []model.Book
	booksErr error

	borrowLoan *model.Loan
	borrowErr  error

	returnErr error

	loans    []service.LoanWithFee
	loansErr error
}

func (s *stubService) RegisterUser(ctx context.Context, email, name, password string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, email, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) IsLibrarian(ctx context.Context, userID int64) (bool, error) {
	return s.isLibrarian, s.isLibrarianErr
}

func (s *stubService) ListBooks(ctx context.Context) ([]model.Book, error) {
	return s.books, s.booksErr
}

func (s *stubService) BorrowBook(ctx context.Context, userID, bookID int64, now time.Time) (*model.Loan, error) {
	return s.borrowLoan, s.borrowErr
}

func (s *stubService) ReturnBook(ctx context.Context, userID, loanID int64, now time.Time) error {
	return s.returnErr
}

func (s *stubService) GetLoansByUser(ctx context.Context, userID int64, now time.Time) ([]service.LoanWithFee, error) {
	return s.loans, s.loansErr
}

type stubReconciler struct {
	stats reconcile.Stats
	err   error
	calls int
}

func (s *stubReconciler) Run(ctx context.Context, now time.Time) (reconcile.Stats, error) {
	s.calls++
	return s.stats, s.err
}

func newTestHandler(t *testing.T, svc Service, rec Reconciler) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, rec, logger, auth)
}

func authenticatedRequest(r *http.Request, userID int64) *http.Request {
	ctx := middleware.WithUserID(r.Context(), userID)
	return r.WithContext(ctx)
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerUserID: 42,
	}
	h := newTestHandler(t, svc, &stubReconciler{})

	body, _ := json.Marshal(registerRequest{
		Email:    "reader@example.com",
		Name:     "Reader",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie must be set")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{
		registerErr: repository.ErrUserExists,
	}
	h := newTestHandler(t, svc, &stubReconciler{})

	body, _ := json.Marshal(registerRequest{
		Email:    "reader@example.com",
		Name:     "Reader",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{
		authErr: service.ErrInvalidCredentials,
	}
	h := newTestHandler(t, svc, &stubReconciler{})

	body, _ := json.Marshal(loginRequest{
		Email:    "reader@example.com",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestBorrowBook_Created(t *testing.T) {
	due := time.Date(2024, time.March, 12, 15, 0, 0, 0, time.UTC)
	svc := &stubService{
		borrowLoan: &model.Loan{ID: 7, DueAt: due},
	}
	h := newTestHandler(t, svc, &stubReconciler{})

	body, _ := json.Marshal(borrowRequest{BookID: 5})
	req := httptest.NewRequest(http.MethodPost, "/api/user/loans", bytes.NewReader(body))
	req = authenticatedRequest(req, 1)
	rec := httptest.NewRecorder()

	h.BorrowBook(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp borrowResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.LoanID != 7 {
		t.Fatalf("loan id = %d, want 7", resp.LoanID)
	}
	if resp.DueAt != due.Format(time.RFC3339) {
		t.Fatalf("due = %q, want %q", resp.DueAt, due.Format(time.RFC3339))
	}
}

func TestBorrowBook_Unavailable(t *testing.T) {
	svc := &stubService{
		borrowErr: repository.ErrBookUnavailable,
	}
	h := newTestHandler(t, svc, &stubReconciler{})

	body, _ := json.Marshal(borrowRequest{BookID: 5})
	req := httptest.NewRequest(http.MethodPost, "/api/user/loans", bytes.NewReader(body))
	req = authenticatedRequest(req, 1)
	rec := httptest.NewRecorder()

	h.BorrowBook(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestBorrowBook_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{}, &stubReconciler{})

	body, _ := json.Marshal(borrowRequest{BookID: 5})
	req := httptest.NewRequest(http.MethodPost, "/api/user/loans", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.BorrowBook(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestReturnBook_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", repository.ErrLoanNotFound, http.StatusNotFound},
		{"owned by another", repository.ErrLoanOwnedByAnother, http.StatusForbidden},
		{"already returned", repository.ErrLoanAlreadyReturned, http.StatusConflict},
		{"success", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{returnErr: tt.err}
			h := newTestHandler(t, svc, &stubReconciler{})

			// Маршрут с URL-параметром проверяем через роутер.
			router := h.SetupRouter()

			req := httptest.NewRequest(http.MethodPost, "/api/user/loans/7/return", nil)

			cookieRec := httptest.NewRecorder()
			h.authMiddleware.SetAuthCookie(cookieRec, 1)
			req.AddCookie(cookieRec.Result().Cookies()[0])

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Result().StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.want)
			}
		})
	}
}

func TestGetLoans_NoContentWhenEmpty(t *testing.T) {
	h := newTestHandler(t, &stubService{}, &stubReconciler{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/loans", nil)
	req = authenticatedRequest(req, 1)
	rec := httptest.NewRecorder()

	h.GetLoans(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestGetLoans_IncludesFee(t *testing.T) {
	now := time.Now()
	svc := &stubService{
		loans: []service.LoanWithFee{
			{
				LoanDetail: model.LoanDetail{
					Loan:      model.Loan{ID: 1, BorrowedAt: now.Add(-96 * time.Hour), DueAt: now.Add(-72 * time.Hour)},
					BookTitle: "The Hobbit",
				},
				FeeCents: 300,
			},
		},
	}
	h := newTestHandler(t, svc, &stubReconciler{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/loans", nil)
	req = authenticatedRequest(req, 1)
	rec := httptest.NewRecorder()

	h.GetLoans(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp []loanResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].LateFee != 3.0 {
		t.Fatalf("unexpected loans response: %+v", resp)
	}
}

func TestRunReconciliation_ForbiddenForMembers(t *testing.T) {
	svc := &stubService{isLibrarian: false}
	rec := &stubReconciler{}
	h := newTestHandler(t, svc, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/reconcile", nil)
	req = authenticatedRequest(req, 1)
	w := httptest.NewRecorder()

	h.RunReconciliation(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}
	if rec.calls != 0 {
		t.Fatalf("reconciler must not run for non-librarians")
	}
}

func TestRunReconciliation_ReturnsStats(t *testing.T) {
	svc := &stubService{isLibrarian: true}
	rec := &stubReconciler{
		stats: reconcile.Stats{
			OverdueLoans:  3,
			Borrowers:     2,
			RemindersSent: 2,
			SummariesSent: 1,
		},
	}
	h := newTestHandler(t, svc, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/reconcile", nil)
	req = authenticatedRequest(req, 1)
	w := httptest.NewRecorder()

	h.RunReconciliation(w, req)

	res := w.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var stats reconcile.Stats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats != rec.stats {
		t.Fatalf("stats = %+v, want %+v", stats, rec.stats)
	}
}

func TestRunReconciliation_StoreFailure(t *testing.T) {
	svc := &stubService{isLibrarian: true}
	rec := &stubReconciler{err: errors.New("connection refused")}
	h := newTestHandler(t, svc, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/reconcile", nil)
	req = authenticatedRequest(req, 1)
	w := httptest.NewRecorder()

	h.RunReconciliation(w, req)

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusInternalServerError)
	}
}
