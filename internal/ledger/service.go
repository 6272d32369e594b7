package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/money"
)

// RateSource converts between currencies. fx.Converter satisfies it.
type RateSource interface {
	Convert(ctx context.Context, source, target string) (float64, error)
}

// EventPublisher posts lifecycle events. bus.Publisher satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Service implements the ledger operations over a Store, the FX
// converter, and the event bus.
type Service struct {
	store  Store
	fx     RateSource
	events EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires a ledger service.
func NewService(store Store, fx RateSource, events EventPublisher, opts ...Option) *Service {
	s := &Service{
		store:  store,
		fx:     fx,
		events: events,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store for read-only callers.
func (s *Service) Store() Store { return s.store }

// CreateLoanInput describes a $loan command.
type CreateLoanInput struct {
	Lender   string
	Borrower string
	Amount   money.Money
	// StoreCurrency optionally records the loan in a different
	// currency than the one the command named ("as CUR").
	StoreCurrency   string
	ParentFullname  string
	CommentFullname string
	CreatedAt       time.Time
}

// CreateLoan records a new loan and publishes loans.create.
//
// The stored principal is the requested amount converted into the
// store currency, and the USD reference is fixed here: later
// repayments reuse principal/principal_usd as the loan's rate no
// matter how FX moves.
func (s *Service) CreateLoan(ctx context.Context, in CreateLoanInput) (*Loan, error) {
	lenderID, err := s.store.FindOrCreateUser(ctx, in.Lender)
	if err != nil {
		return nil, fmt.Errorf("find or create lender: %w", err)
	}
	borrowerID, err := s.store.FindOrCreateUser(ctx, in.Borrower)
	if err != nil {
		return nil, fmt.Errorf("find or create borrower: %w", err)
	}

	storeCode := in.StoreCurrency
	if storeCode == "" {
		storeCode = in.Amount.Currency
	}

	storedMinor := in.Amount.Minor
	if storeCode != in.Amount.Currency {
		rate, err := s.fx.Convert(ctx, in.Amount.Currency, storeCode)
		if err != nil {
			return nil, fmt.Errorf("convert %s to %s: %w", in.Amount.Currency, storeCode, err)
		}
		storedMinor = int64(math.Round(float64(in.Amount.Minor) * rate))
	}
	principal := money.New(storedMinor, storeCode)

	usdMinor := storedMinor
	if storeCode != "USD" {
		// Fetch USD as the source so the cache fill is shared with
		// every other loan being recorded around the same time.
		usdToStore, err := s.fx.Convert(ctx, "USD", storeCode)
		if err != nil {
			return nil, fmt.Errorf("convert USD to %s: %w", storeCode, err)
		}
		usdMinor = int64(math.Round(float64(storedMinor) / usdToStore))
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	loanID, err := s.store.CreateLoan(ctx, CreateLoanParams{
		LenderID:          lenderID,
		BorrowerID:        borrowerID,
		Principal:         principal,
		PrincipalUSDMinor: usdMinor,
		CreatedAt:         createdAt,
		ParentFullname:    in.ParentFullname,
		CommentFullname:   in.CommentFullname,
	})
	if err != nil {
		return nil, fmt.Errorf("insert loan: %w", err)
	}

	loan, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("reread loan %d: %w", loanID, err)
	}

	err = s.events.Publish(ctx, bus.TopicLoanCreate, bus.LoanCreateEvent{
		LoanID: loanID,
		Comment: bus.CommentRef{
			LinkFullname: in.ParentFullname,
			Fullname:     in.CommentFullname,
		},
		Lender:    bus.UserRef{ID: lenderID, Username: strings.ToLower(in.Lender)},
		Borrower:  bus.UserRef{ID: borrowerID, Username: strings.ToLower(in.Borrower)},
		Amount:    principal,
		Permalink: loan.Permalink,
	})
	if err != nil {
		return nil, fmt.Errorf("publish loans.create: %w", err)
	}

	s.logger.Info("created loan",
		"loan_id", loanID, "lender", in.Lender, "borrower", in.Borrower,
		"principal", principal.String(), "usd_minor", usdMinor)
	return loan, nil
}

// ApplyRepayment applies up to amount toward the loan, converting into
// the loan currency if needed. It returns the repayment-event id, the
// amount actually applied (loan currency), and what is left of the
// given amount (given currency).
//
// The loan's USD fields advance at the rate frozen when the loan was
// created, not at today's rate.
func (s *Service) ApplyRepayment(ctx context.Context, loanID int64, amount money.Money) (eventID int64, applied, remaining money.Money, err error) {
	if amount.Minor <= 0 {
		return 0, applied, remaining, fmt.Errorf("%w: %s", ErrNonPositiveAmount, amount.String())
	}

	loan, err := s.store.GetLoanForUpdate(ctx, loanID)
	if err != nil {
		return 0, applied, remaining, err
	}
	if loan.PrincipalRepaid.Minor >= loan.Principal.Minor {
		return 0, applied, remaining, fmt.Errorf("%w: loan %d", ErrLoanRepaid, loanID)
	}

	rateLoanToUSD := float64(loan.Principal.Minor) / float64(loan.PrincipalUSDMinor)

	inLoanMinor := amount.Minor
	var rateGivenToLoan float64
	crossCurrency := amount.Currency != loan.Principal.Currency
	if crossCurrency {
		rateGivenToLoan, err = s.fx.Convert(ctx, amount.Currency, loan.Principal.Currency)
		if err != nil {
			return 0, applied, remaining, fmt.Errorf("convert %s to %s: %w", amount.Currency, loan.Principal.Currency, err)
		}
		inLoanMinor = int64(math.Ceil(float64(amount.Minor) * rateGivenToLoan))
	}

	appliedMinor := min(loan.Outstanding(), inLoanMinor)
	applied = money.New(appliedMinor, loan.Principal.Currency)
	appliedUSD := int64(math.Ceil(float64(appliedMinor) / rateLoanToUSD))

	if crossCurrency {
		appliedInGiven := int64(math.Ceil(float64(appliedMinor) / rateGivenToLoan))
		remaining = money.New(max(0, amount.Minor-appliedInGiven), amount.Currency)
	} else {
		remaining = money.New(amount.Minor-appliedMinor, loan.Principal.Currency)
	}

	newRepaid := loan.PrincipalRepaid.Minor + appliedMinor
	newRepaidUSD := int64(math.Ceil(float64(newRepaid) / rateLoanToUSD))
	fully := newRepaid == loan.Principal.Minor
	wasUnpaid := loan.UnpaidAt != nil

	eventID, err = s.store.RecordRepayment(ctx, RepaymentRecord{
		LoanID:            loanID,
		Applied:           applied,
		AppliedUSDMinor:   appliedUSD,
		PriorRepaidMinor:  loan.PrincipalRepaid.Minor,
		NewRepaidMinor:    newRepaid,
		NewRepaidUSDMinor: newRepaidUSD,
		FullyRepaid:       fully,
		WasUnpaid:         wasUnpaid,
		At:                s.now(),
	})
	if err != nil {
		return 0, applied, remaining, fmt.Errorf("record repayment on loan %d: %w", loanID, err)
	}

	if fully {
		err = s.events.Publish(ctx, bus.TopicLoanPaid, bus.LoanPaidEvent{
			LoanID:    loanID,
			Lender:    bus.UserRef{ID: loan.LenderID, Username: loan.Lender},
			Borrower:  bus.UserRef{ID: loan.BorrowerID, Username: loan.Borrower},
			Amount:    amount,
			WasUnpaid: wasUnpaid,
		})
		if err != nil {
			return 0, applied, remaining, fmt.Errorf("publish loans.paid: %w", err)
		}
	}

	s.logger.Debug("applied repayment",
		"loan_id", loanID, "applied", applied.String(),
		"remaining", remaining.String(), "fully_repaid", fully)
	return eventID, applied, remaining, nil
}

// PaidOutcome is what a multi-loan $paid produced, for the reply.
type PaidOutcome struct {
	// Before and After snapshot every touched loan in the order they
	// were touched (oldest first).
	Before []Loan
	After  []Loan
	// Remaining is whatever part of the payment exceeded all open
	// principal, in the given currency.
	Remaining money.Money
}

// Paid rolls a payment across the pair's open loans oldest-first:
// apply to the oldest open loan, carry the remainder to the next,
// stop when nothing is left, nothing is open, or progress stalls.
func (s *Service) Paid(ctx context.Context, lender, borrower string, amount money.Money) (*PaidOutcome, error) {
	if amount.Minor <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNonPositiveAmount, amount.String())
	}

	lenderID, err := s.store.FindUser(ctx, lender)
	if err != nil {
		return nil, err
	}
	borrowerID, err := s.store.FindUser(ctx, borrower)
	if err != nil {
		return nil, err
	}

	outcome := &PaidOutcome{Remaining: amount}
	touched := make([]int64, 0, 2)

	remaining := amount
	for remaining.Minor > 0 {
		loan, err := s.store.OldestOpenLoan(ctx, lenderID, borrowerID)
		if err != nil {
			if err == ErrNoOpenLoans {
				break
			}
			return nil, err
		}

		outcome.Before = append(outcome.Before, *loan)
		touched = append(touched, loan.ID)

		_, _, next, err := s.ApplyRepayment(ctx, loan.ID, remaining)
		if err != nil {
			return nil, err
		}
		if next.Minor >= remaining.Minor {
			// No progress; bail rather than loop forever.
			s.logger.Warn("repayment made no progress",
				"loan_id", loan.ID, "remaining", remaining.String())
			remaining = next
			break
		}
		remaining = next
	}

	if len(touched) == 0 {
		return nil, ErrNoOpenLoans
	}

	outcome.Remaining = remaining
	for _, id := range touched {
		after, err := s.store.GetLoan(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reread loan %d: %w", id, err)
		}
		outcome.After = append(outcome.After, *after)
	}
	return outcome, nil
}

// MarkUnpaid stamps every open loan from lender to borrower delinquent
// and publishes one loans.unpaid event per loan. It returns the number
// of loans affected; zero affected loans emit no events.
func (s *Service) MarkUnpaid(ctx context.Context, lender, borrower string) (int, error) {
	lenderID, err := s.store.FindUser(ctx, lender)
	if err != nil {
		return 0, err
	}
	borrowerID, err := s.store.FindUser(ctx, borrower)
	if err != nil {
		return 0, err
	}

	marks, err := s.store.MarkUnpaid(ctx, lenderID, borrowerID, s.now())
	if err != nil {
		return 0, fmt.Errorf("mark unpaid %s -> %s: %w", lender, borrower, err)
	}

	for _, mark := range marks {
		err := s.events.Publish(ctx, bus.TopicLoanUnpaid, bus.LoanUnpaidEvent{
			LoanUnpaidEventID: mark.EventID,
		})
		if err != nil {
			return len(marks), fmt.Errorf("publish loans.unpaid: %w", err)
		}
	}

	if len(marks) > 0 {
		s.logger.Info("marked loans unpaid",
			"lender", lender, "borrower", borrower, "count", len(marks))
	}
	return len(marks), nil
}

// Confirm finds the most recent open, never-repaid loan from lender to
// borrower whose principal matches the confirmed amount: exact in the
// native currency, or within one US dollar of the loan's stored USD
// reference when the currencies differ. It returns nil when no loan
// matches.
func (s *Service) Confirm(ctx context.Context, lender, borrower string, amount money.Money) (*ConfirmMatch, money.Money, error) {
	usdAmount := amount
	if amount.Currency != "USD" {
		// Invert a USD-sourced rate so the cache key is shared.
		usdToGiven, err := s.fx.Convert(ctx, "USD", amount.Currency)
		if err != nil {
			return nil, usdAmount, fmt.Errorf("convert USD to %s: %w", amount.Currency, err)
		}
		usdAmount = money.New(int64(float64(amount.Minor)/usdToGiven), "USD")
	}

	match, err := s.store.MatchConfirm(ctx, lender, borrower, amount, usdAmount.Minor)
	if err != nil {
		return nil, usdAmount, err
	}
	return match, usdAmount, nil
}
