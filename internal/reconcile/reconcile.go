// Package reconcile реализует периодическую сверку просроченных выдач:
// группировку по читателям, расчёт суммарной пени и двухуровневую
// рассылку уведомлений (напоминания читателям и сводка библиотекарям).
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/library-system/internal/fee"
	"github.com/mmeshcher/library-system/internal/model"
)

const (
	reminderSubject  = "Overdue Book Reminder"
	summarySubject   = "Daily Overdue Report"
	reminderTemplate = "overdue-reminder-user"
	summaryTemplate  = "overdue-summary"

	// MMM dd, yyyy
	dateLayout = "Jan 02, 2006"

	defaultParallelism = 4
)

// LoanStore описывает контракт доступа к данным, используемый сверкой.
type LoanStore interface {
	FindOverdue(ctx context.Context, now time.Time) ([]model.OverdueLoan, error)
	FindStaffEmails(ctx context.Context) ([]string, error)
}

// NotificationGateway описывает контракт доставки уведомлений.
// Ошибка отправки — штатный сигнал для fallback, а не исключительная ситуация.
type NotificationGateway interface {
	SendTemplated(ctx context.Context, to, subject, templateKey string, variables map[string]any) error
	SendPlainText(ctx context.Context, to, subject, body string) error
}

// Stats содержит счётчики одного прохода сверки.
type Stats struct {
	OverdueLoans    int `json:"overdue_loans"`
	SkippedLoans    int `json:"skipped_loans"`
	Borrowers       int `json:"borrowers"`
	RemindersSent   int `json:"reminders_sent"`
	RemindersFailed int `json:"reminders_failed"`
	SummariesSent   int `json:"summaries_sent"`
	SummariesFailed int `json:"summaries_failed"`
}

// Reconciler выполняет проход сверки. Между проходами состояния нет:
// читатель с непогашенной просрочкой получает напоминание на каждом
// проходе, дедупликация не выполняется намеренно.
type Reconciler struct {
	store       LoanStore
	gateway     NotificationGateway
	logger      *zap.Logger
	parallelism int
}

// New создаёт сверку с указанными хранилищем и шлюзом уведомлений.
func New(store LoanStore, gateway NotificationGateway, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		gateway:     gateway,
		logger:      logger,
		parallelism: defaultParallelism,
	}
}

// loanLine — просроченная выдача с пеней и числом дней просрочки,
// рассчитанными один раз на единый момент прохода.
type loanLine struct {
	model.OverdueLoan
	OverdueDays int64
	FeeCents    int64
}

// borrowerGroup — читатель и его просроченные выдачи в порядке сроков возврата.
type borrowerGroup struct {
	id    int64
	name  string
	email string
	loans []loanLine
}

// Run выполняет один проход сверки на момент now. Недоступность хранилища
// прерывает проход целиком; ошибки доставки отдельных уведомлений
// обрабатываются локально и до вызывающей стороны не доходят.
func (r *Reconciler) Run(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats

	overdue, err := r.store.FindOverdue(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("find overdue loans: %w", err)
	}

	if len(overdue) == 0 {
		r.logger.Info("no overdue loans")
		return stats, nil
	}

	lines := make([]loanLine, 0, len(overdue))
	for _, o := range overdue {
		if o.BookID == 0 || o.BorrowerID == 0 {
			r.logger.Warn("overdue loan references missing book or borrower",
				zap.Int64("loanID", o.LoanID),
				zap.Int64("bookID", o.BookID),
				zap.Int64("borrowerID", o.BorrowerID),
			)
			stats.SkippedLoans++
			continue
		}
		lines = append(lines, loanLine{
			OverdueLoan: o,
			OverdueDays: fee.OverdueDays(o.DueAt, now),
			FeeCents:    fee.LateFee(o.DueAt, false, o.LateFeeRatePerDay, now),
		})
	}

	stats.OverdueLoans = len(lines)
	if len(lines) == 0 {
		r.logger.Warn("all overdue loans skipped due to integrity issues")
		return stats, nil
	}

	groups := groupByBorrower(lines)
	stats.Borrowers = len(groups)

	var remindersSent, remindersFailed atomic.Int64

	// Группы независимы: общего изменяемого состояния между ними нет,
	// счётчики накапливаются атомарно.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			if r.notifyBorrower(gctx, grp, now) {
				remindersSent.Add(1)
			} else {
				remindersFailed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.RemindersSent = int(remindersSent.Load())
	stats.RemindersFailed = int(remindersFailed.Load())

	staffEmails, err := r.store.FindStaffEmails(ctx)
	if err != nil {
		return stats, fmt.Errorf("find staff emails: %w", err)
	}

	sent, failed := r.sendStaffSummary(ctx, staffEmails, lines, stats.Borrowers, now)
	stats.SummariesSent = sent
	stats.SummariesFailed = failed

	r.logger.Info("reconciliation pass completed",
		zap.Int("overdueLoans", stats.OverdueLoans),
		zap.Int("skippedLoans", stats.SkippedLoans),
		zap.Int("borrowers", stats.Borrowers),
		zap.Int("remindersSent", stats.RemindersSent),
		zap.Int("remindersFailed", stats.RemindersFailed),
		zap.Int("summariesSent", stats.SummariesSent),
		zap.Int("summariesFailed", stats.SummariesFailed),
	)

	return stats, nil
}

// groupByBorrower группирует выдачи по идентификатору читателя — не по
// адресу, чтобы не склеивать разные учётные записи с общим адресом.
// Группы упорядочены по идентификатору, выдачи внутри группы — по сроку.
func groupByBorrower(lines []loanLine) []borrowerGroup {
	byID := make(map[int64]*borrowerGroup)
	for _, l := range lines {
		grp, ok := byID[l.BorrowerID]
		if !ok {
			grp = &borrowerGroup{
				id:    l.BorrowerID,
				name:  l.BorrowerName,
				email: l.BorrowerEmail,
			}
			byID[l.BorrowerID] = grp
		}
		grp.loans = append(grp.loans, l)
	}

	groups := make([]borrowerGroup, 0, len(byID))
	for _, grp := range byID {
		sort.Slice(grp.loans, func(i, j int) bool {
			return grp.loans[i].DueAt.Before(grp.loans[j].DueAt)
		})
		groups = append(groups, *grp)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].id < groups[j].id
	})

	return groups
}

// notifyBorrower отправляет читателю одно объединённое напоминание:
// сначала по шаблону, при ошибке — ровно одна попытка plain-text fallback.
// Возвращает признак успешной доставки.
func (r *Reconciler) notifyBorrower(ctx context.Context, grp borrowerGroup, now time.Time) bool {
	if !usableEmail(grp.email) {
		r.logger.Warn("borrower has unusable email address, skipping reminder",
			zap.Int64("borrowerID", grp.id),
			zap.String("borrower", grp.name),
		)
		return false
	}

	var totalFee int64
	books := make([]map[string]any, 0, len(grp.loans))
	for _, l := range grp.loans {
		totalFee += l.FeeCents
		books = append(books, map[string]any{
			"title":       l.BookTitle,
			"author":      l.BookAuthor,
			"dueDate":     l.DueAt.Format(dateLayout),
			"overdueDays": l.OverdueDays,
			"lateFee":     dollars(l.FeeCents),
		})
	}

	variables := map[string]any{
		"userName":     grp.name,
		"overdueBooks": books,
		"totalLateFee": dollars(totalFee),
		"currentDate":  now.Format(dateLayout),
	}

	err := r.gateway.SendTemplated(ctx, grp.email, reminderSubject, reminderTemplate, variables)
	if err == nil {
		r.logger.Info("sent overdue reminder",
			zap.Int64("borrowerID", grp.id),
			zap.String("borrower", grp.name),
		)
		return true
	}

	r.logger.Warn("templated reminder failed, falling back to plain text",
		zap.Int64("borrowerID", grp.id),
		zap.String("borrower", grp.name),
		zap.Error(err),
	)

	body := plainReminderBody(grp, totalFee)
	if err := r.gateway.SendPlainText(ctx, grp.email, reminderSubject, body); err != nil {
		r.logger.Error("failed to send overdue reminder",
			zap.Int64("borrowerID", grp.id),
			zap.String("borrower", grp.name),
			zap.Error(err),
		)
		return false
	}

	r.logger.Info("sent overdue reminder (plain text)",
		zap.Int64("borrowerID", grp.id),
		zap.String("borrower", grp.name),
	)
	return true
}

// plainReminderBody строит детерминированное текстовое тело напоминания
// из тех же данных, что и шаблонное письмо.
func plainReminderBody(grp borrowerGroup, totalFee int64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dear %s,\n\n", grp.name)
	sb.WriteString("The following book(s) you borrowed from the library are overdue:\n\n")
	for _, l := range grp.loans {
		fmt.Fprintf(&sb, "- %s by %s | Due: %s | Overdue: %d days | Late Fee: $%.2f\n",
			l.BookTitle, l.BookAuthor, l.DueAt.Format(dateLayout), l.OverdueDays, dollars(l.FeeCents))
	}
	fmt.Fprintf(&sb, "\nTotal Late Fee: $%.2f\n\n", dollars(totalFee))
	sb.WriteString("Please return the book(s) as soon as possible to avoid additional charges.\n\n")
	sb.WriteString("Thank you,\nThe Library Team")
	return sb.String()
}

// sendStaffSummary строит единую сводку по всем просроченным выдачам и
// отправляет её каждому библиотекарю с тем же fallback-контрактом.
func (r *Reconciler) sendStaffSummary(ctx context.Context, staffEmails []string, lines []loanLine, borrowers int, now time.Time) (sent, failed int) {
	if len(staffEmails) == 0 {
		r.logger.Warn("no staff recipients for overdue summary")
		return 0, 0
	}

	body := summaryBody(lines, borrowers, now)
	variables := map[string]any{
		"summaryBody": body,
		"currentDate": now.Format(dateLayout),
	}

	for _, email := range staffEmails {
		err := r.gateway.SendTemplated(ctx, email, summarySubject, summaryTemplate, variables)
		if err != nil {
			err = r.gateway.SendPlainText(ctx, email, summarySubject, body)
		}
		if err != nil {
			r.logger.Error("failed to send overdue summary",
				zap.String("recipient", email),
				zap.Error(err),
			)
			failed++
			continue
		}
		sent++
	}

	r.logger.Info("sent overdue summary to staff",
		zap.Int("recipients", sent),
		zap.Int("failed", failed),
	)
	return sent, failed
}

func summaryBody(lines []loanLine, borrowers int, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Overdue Books Summary - %s\n\n", now.Format(dateLayout))
	fmt.Fprintf(&sb, "Total Overdue Items: %d\n", len(lines))
	fmt.Fprintf(&sb, "Distinct Borrowers: %d\n\n", borrowers)
	sb.WriteString("Details:\n")
	for _, l := range lines {
		fmt.Fprintf(&sb, "- %s | Borrower: %s (%s) | Due: %s | Overdue: %d days | Late Fee: $%.2f\n",
			l.BookTitle, l.BorrowerName, l.BorrowerEmail, l.DueAt.Format(dateLayout), l.OverdueDays, dollars(l.FeeCents))
	}
	sb.WriteString("\nPlease follow up with borrowers if books are not returned soon.")
	return sb.String()
}

func usableEmail(email string) bool {
	return email != "" && strings.Count(email, "@") == 1
}

func dollars(cents int64) float64 {
	return float64(cents) / 100
}
