package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LoansBot/loansbot/internal/money"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory ledger store for tests and demo mode.
type MemoryStore struct {
	mu sync.Mutex

	nextUserID  int64
	nextLoanID  int64
	nextEventID int64

	usersByName map[string]int64
	usersByID   map[int64]string
	loans       map[int64]*memLoan
	fullnames   map[string]bool

	// unpaid-event id -> loan id, so event consumers can resolve the
	// pair the same way the SQL join does.
	unpaidEvents map[int64]int64
}

type memLoan struct {
	Loan
	parentFullname  string
	commentFullname string
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextUserID:  1,
		nextLoanID:  1,
		nextEventID: 1,
		usersByName:  make(map[string]int64),
		usersByID:    make(map[int64]string),
		loans:        make(map[int64]*memLoan),
		fullnames:    make(map[string]bool),
		unpaidEvents: make(map[int64]int64),
	}
}

func (m *MemoryStore) FindOrCreateUser(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	username = strings.ToLower(username)
	if id, ok := m.usersByName[username]; ok {
		return id, nil
	}
	id := m.nextUserID
	m.nextUserID++
	m.usersByName[username] = id
	m.usersByID[id] = username
	return id, nil
}

func (m *MemoryStore) FindUser(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usersByName[strings.ToLower(username)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return id, nil
}

func (m *MemoryStore) CreateLoan(_ context.Context, p CreateLoanParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextLoanID
	m.nextLoanID++

	repaid := p.Principal
	repaid.Minor = 0

	loan := &memLoan{
		Loan: Loan{
			ID:                id,
			LenderID:          p.LenderID,
			Lender:            m.usersByID[p.LenderID],
			BorrowerID:        p.BorrowerID,
			Borrower:          m.usersByID[p.BorrowerID],
			Principal:         p.Principal,
			PrincipalUSDMinor: p.PrincipalUSDMinor,
			PrincipalRepaid:   repaid,
			CreatedAt:         p.CreatedAt,
		},
		parentFullname:  p.ParentFullname,
		commentFullname: p.CommentFullname,
	}
	if len(p.ParentFullname) > 3 && len(p.CommentFullname) > 3 {
		loan.Loan.Permalink = fmt.Sprintf("https://www.reddit.com/comments/%s/redditloans/%s",
			p.ParentFullname[3:], p.CommentFullname[3:])
	}
	m.loans[id] = loan
	return id, nil
}

func (m *MemoryStore) GetLoan(_ context.Context, id int64) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLoanLocked(id)
}

func (m *MemoryStore) getLoanLocked(id int64) (*Loan, error) {
	loan, ok := m.loans[id]
	if !ok || loan.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %d", ErrLoanNotFound, id)
	}
	cp := loan.Loan
	return &cp, nil
}

func (m *MemoryStore) GetLoanForUpdate(ctx context.Context, id int64) (*Loan, error) {
	return m.GetLoan(ctx, id)
}

func (m *MemoryStore) OldestOpenLoan(_ context.Context, lenderID, borrowerID int64) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *memLoan
	for _, loan := range m.loans {
		if loan.LenderID != lenderID || loan.BorrowerID != borrowerID {
			continue
		}
		if loan.RepaidAt != nil || loan.DeletedAt != nil {
			continue
		}
		if oldest == nil || loan.CreatedAt.Before(oldest.CreatedAt) ||
			(loan.CreatedAt.Equal(oldest.CreatedAt) && loan.ID < oldest.ID) {
			oldest = loan
		}
	}
	if oldest == nil {
		return nil, ErrNoOpenLoans
	}
	cp := oldest.Loan
	return &cp, nil
}

func (m *MemoryStore) RecordRepayment(_ context.Context, rec RepaymentRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loan, ok := m.loans[rec.LoanID]
	if !ok || loan.DeletedAt != nil {
		return 0, fmt.Errorf("%w: %d", ErrLoanNotFound, rec.LoanID)
	}
	if loan.PrincipalRepaid.Minor != rec.PriorRepaidMinor {
		return 0, fmt.Errorf("%w: loan %d", ErrConflict, rec.LoanID)
	}

	eventID := m.nextEventID
	m.nextEventID++

	loan.PrincipalRepaid.Minor = rec.NewRepaidMinor
	loan.PrincipalRepaidUSDMinor = rec.NewRepaidUSDMinor
	if rec.FullyRepaid {
		at := rec.At
		loan.RepaidAt = &at
		loan.UnpaidAt = nil
	}
	return eventID, nil
}

func (m *MemoryStore) MarkUnpaid(_ context.Context, lenderID, borrowerID int64, at time.Time) ([]UnpaidMark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var marks []UnpaidMark
	for _, loan := range m.sortedLoansLocked() {
		if loan.LenderID != lenderID || loan.BorrowerID != borrowerID {
			continue
		}
		if loan.RepaidAt != nil || loan.DeletedAt != nil || loan.UnpaidAt != nil {
			continue
		}
		stamp := at
		loan.UnpaidAt = &stamp
		eventID := m.nextEventID
		m.nextEventID++
		m.unpaidEvents[eventID] = loan.ID
		marks = append(marks, UnpaidMark{EventID: eventID, LoanID: loan.ID})
	}
	return marks, nil
}

func (m *MemoryStore) UnpaidEventUsernames(_ context.Context, eventID int64) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loanID, ok := m.unpaidEvents[eventID]
	if !ok {
		return "", "", fmt.Errorf("ledger: unpaid event %d not found", eventID)
	}
	loan := m.loans[loanID]
	return loan.Borrower, loan.Lender, nil
}

func (m *MemoryStore) CountLoansInvolving(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	username = strings.ToLower(username)
	var count int64
	for _, loan := range m.loans {
		if loan.DeletedAt != nil {
			continue
		}
		if loan.Lender == username || loan.Borrower == username {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) LoansInvolving(_ context.Context, username string) ([]Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	username = strings.ToLower(username)
	var loans []Loan
	for _, loan := range m.sortedLoansLocked() {
		if loan.DeletedAt != nil {
			continue
		}
		if loan.Lender == username || loan.Borrower == username {
			loans = append(loans, loan.Loan)
		}
	}
	// Newest first.
	sort.Slice(loans, func(i, j int) bool { return loans[i].CreatedAt.After(loans[j].CreatedAt) })
	return loans, nil
}

func (m *MemoryStore) sortedLoansLocked() []*memLoan {
	loans := make([]*memLoan, 0, len(m.loans))
	for _, loan := range m.loans {
		loans = append(loans, loan)
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].ID < loans[j].ID })
	return loans
}

func bucketMatches(key string, loan *Loan, username string) bool {
	if loan.DeletedAt != nil {
		return false
	}
	switch key {
	case PaidAsLender:
		return loan.Lender == username && loan.RepaidAt != nil
	case PaidAsBorrower:
		return loan.Borrower == username && loan.RepaidAt != nil
	case UnpaidAsLender:
		return loan.Lender == username && loan.UnpaidAt != nil
	case UnpaidAsBorrower:
		return loan.Borrower == username && loan.UnpaidAt != nil
	case InProgressAsLender:
		return loan.Lender == username && loan.RepaidAt == nil && loan.UnpaidAt == nil
	case InProgressAsBorrower:
		return loan.Borrower == username && loan.RepaidAt == nil && loan.UnpaidAt == nil
	}
	return false
}

func (m *MemoryStore) UserSummary(_ context.Context, username string, shownLimit int) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	username = strings.ToLower(username)
	oldestShown := time.Now().AddDate(-1, 0, 0)
	summary := &Summary{Username: username, Buckets: make(map[string]Bucket, len(BucketKeys))}

	for _, key := range BucketKeys {
		var bucket Bucket
		var shown []Loan
		for _, loan := range m.sortedLoansLocked() {
			if !bucketMatches(key, &loan.Loan, username) {
				continue
			}
			bucket.Count++
			bucket.TotalUSDMinor += loan.PrincipalUSDMinor
			if key != PaidAsLender && key != PaidAsBorrower && loan.CreatedAt.After(oldestShown) {
				shown = append(shown, loan.Loan)
			}
		}
		sort.Slice(shown, func(i, j int) bool { return shown[i].CreatedAt.After(shown[j].CreatedAt) })
		if len(shown) > shownLimit {
			shown = shown[:shownLimit]
		}
		bucket.Shown = shown
		summary.Buckets[key] = bucket
	}
	return summary, nil
}

func (m *MemoryStore) MatchConfirm(_ context.Context, lender, borrower string, amount money.Money, usdMinor int64) (*ConfirmMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lender = strings.ToLower(lender)
	borrower = strings.ToLower(borrower)

	var best *memLoan
	for _, loan := range m.loans {
		if loan.Lender != lender || loan.Borrower != borrower {
			continue
		}
		if loan.PrincipalRepaid.Minor != 0 || loan.UnpaidAt != nil || loan.DeletedAt != nil {
			continue
		}
		sameCurrency := loan.Principal.Currency == amount.Currency
		usdDiff := loan.PrincipalUSDMinor - usdMinor
		if usdDiff < 0 {
			usdDiff = -usdDiff
		}
		if (sameCurrency && loan.Principal.Minor == amount.Minor) ||
			(!sameCurrency && usdDiff <= 100) {
			if best == nil || loan.CreatedAt.After(best.CreatedAt) {
				best = loan
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	return &ConfirmMatch{LoanID: best.ID, Permalink: best.Loan.Permalink}, nil
}

func (m *MemoryStore) OpenLoansForLender(_ context.Context, lenderID int64) ([]Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var loans []Loan
	for _, loan := range m.sortedLoansLocked() {
		if loan.LenderID == lenderID && loan.RepaidAt == nil && loan.DeletedAt == nil {
			loans = append(loans, loan.Loan)
		}
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].CreatedAt.Before(loans[j].CreatedAt) })
	return loans, nil
}

func (m *MemoryStore) OpenLoansForBorrower(_ context.Context, borrowerID int64) ([]Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var loans []Loan
	for _, loan := range m.sortedLoansLocked() {
		if loan.BorrowerID == borrowerID && loan.RepaidAt == nil &&
			loan.UnpaidAt == nil && loan.DeletedAt == nil {
			loans = append(loans, loan.Loan)
		}
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].CreatedAt.Before(loans[j].CreatedAt) })
	return loans, nil
}

func (m *MemoryStore) CountAsLenderBefore(_ context.Context, lenderID, beforeLoanID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, loan := range m.loans {
		if loan.LenderID == lenderID && loan.ID < beforeLoanID && loan.DeletedAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountAsLender(_ context.Context, lenderID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, loan := range m.loans {
		if loan.LenderID == lenderID && loan.DeletedAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountCompletedAsLender(_ context.Context, lenderID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, loan := range m.loans {
		if loan.LenderID == lenderID && loan.RepaidAt != nil && loan.DeletedAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountUnpaidAsBorrower(_ context.Context, borrowerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, loan := range m.loans {
		if loan.BorrowerID == borrowerID && loan.UnpaidAt != nil && loan.DeletedAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) SeenFullnames(_ context.Context, fullnames []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(fullnames))
	for _, fullname := range fullnames {
		if m.fullnames[fullname] {
			seen[fullname] = true
		}
	}
	return seen, nil
}

func (m *MemoryStore) MarkFullname(_ context.Context, fullname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fullnames[fullname] = true
	return nil
}

func (m *MemoryStore) MonthlyStats(_ context.Context) ([]MonthlyStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type cell struct {
		count int64
		usd   int64
	}
	agg := map[string]map[[2]int]*cell{
		"lent":   {},
		"repaid": {},
		"unpaid": {},
	}
	add := func(series string, at time.Time, usd int64) {
		key := [2]int{at.Year(), int(at.Month())}
		c := agg[series][key]
		if c == nil {
			c = &cell{}
			agg[series][key] = c
		}
		c.count++
		c.usd += usd
	}
	for _, loan := range m.loans {
		if loan.DeletedAt != nil {
			continue
		}
		add("lent", loan.CreatedAt, loan.PrincipalUSDMinor)
		if loan.RepaidAt != nil {
			add("repaid", *loan.RepaidAt, loan.PrincipalUSDMinor)
		}
		if loan.UnpaidAt != nil {
			add("unpaid", *loan.UnpaidAt, loan.PrincipalUSDMinor)
		}
	}

	var stats []MonthlyStat
	for series, cells := range agg {
		for key, c := range cells {
			stats = append(stats, MonthlyStat{
				Series: series, Year: key[0], Month: key[1],
				Count: c.count, USDMinor: c.usd,
			})
		}
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Series != stats[j].Series {
			return stats[i].Series < stats[j].Series
		}
		if stats[i].Year != stats[j].Year {
			return stats[i].Year < stats[j].Year
		}
		return stats[i].Month < stats[j].Month
	})
	return stats, nil
}
