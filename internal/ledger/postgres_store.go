package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/LoansBot/loansbot/internal/database"
	"github.com/LoansBot/loansbot/internal/money"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// loanColumns is the joined projection every loan read shares.
// The repaid money row always shares the principal's currency, so the
// currency row is joined once.
const loanColumns = `
	loans.id,
	lenders.id, lenders.username,
	borrowers.id, borrowers.username,
	principals.amount, principals.amount_usd_cents,
	currencies.code, currencies.symbol, currencies.symbol_on_left, currencies.exponent,
	repayments.amount, repayments.amount_usd_cents,
	lci.type, lci.parent_fullname, lci.comment_fullname,
	loans.created_at, loans.repaid_at, loans.unpaid_at, loans.deleted_at`

const loanJoins = `
	FROM loans
	JOIN users lenders ON lenders.id = loans.lender_id
	JOIN users borrowers ON borrowers.id = loans.borrower_id
	JOIN moneys principals ON principals.id = loans.principal_id
	JOIN currencies ON currencies.id = principals.currency_id
	JOIN moneys repayments ON repayments.id = loans.principal_repayment_id
	LEFT JOIN loan_creation_infos lci ON lci.loan_id = loans.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*Loan, error) {
	var (
		loan         Loan
		code, symbol string
		symbolLeft   bool
		exponent     int
		creationType sql.NullInt64
		parent       sql.NullString
		comment      sql.NullString
		repaidAt     sql.NullTime
		unpaidAt     sql.NullTime
		deletedAt    sql.NullTime
	)
	err := row.Scan(
		&loan.ID,
		&loan.LenderID, &loan.Lender,
		&loan.BorrowerID, &loan.Borrower,
		&loan.Principal.Minor, &loan.PrincipalUSDMinor,
		&code, &symbol, &symbolLeft, &exponent,
		&loan.PrincipalRepaid.Minor, &loan.PrincipalRepaidUSDMinor,
		&creationType, &parent, &comment,
		&loan.CreatedAt, &repaidAt, &unpaidAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	loan.Principal.Currency = code
	loan.Principal.Symbol = symbol
	loan.Principal.SymbolOnLeft = symbolLeft
	loan.Principal.Exp = exponent
	loan.PrincipalRepaid.Currency = code
	loan.PrincipalRepaid.Symbol = symbol
	loan.PrincipalRepaid.SymbolOnLeft = symbolLeft
	loan.PrincipalRepaid.Exp = exponent

	loan.Permalink = permalink(creationType, parent, comment)

	if repaidAt.Valid {
		loan.RepaidAt = &repaidAt.Time
	}
	if unpaidAt.Valid {
		loan.UnpaidAt = &unpaidAt.Time
	}
	if deletedAt.Valid {
		loan.DeletedAt = &deletedAt.Time
	}
	return &loan, nil
}

// permalink rebuilds the deep link for loans created from a comment
// (creation type 0). Fullnames carry a three-character type prefix
// (t3_, t1_) that the URL path omits.
func permalink(creationType sql.NullInt64, parent, comment sql.NullString) string {
	if !creationType.Valid || creationType.Int64 != 0 {
		return ""
	}
	if !parent.Valid || !comment.Valid || len(parent.String) < 4 || len(comment.String) < 4 {
		return ""
	}
	return fmt.Sprintf("https://www.reddit.com/comments/%s/redditloans/%s",
		parent.String[3:], comment.String[3:])
}

func (s *PostgresStore) FindOrCreateUser(ctx context.Context, username string) (int64, error) {
	username = strings.ToLower(username)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := findOrCreateUserTx(ctx, tx, username)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func findOrCreateUserTx(ctx context.Context, tx *sql.Tx, username string) (int64, error) {
	return database.FindOrCreateOrFind(ctx, tx,
		database.Query{
			SQL:  `SELECT id FROM users WHERE username = $1`,
			Args: []any{username},
		},
		database.Query{
			SQL:  `INSERT INTO users (username) VALUES ($1) RETURNING id`,
			Args: []any{username},
		},
	)
}

func (s *PostgresStore) FindUser(ctx context.Context, username string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE username = $1`, strings.ToLower(username),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return id, err
}

// findOrCreateMoneyTx resolves the currency row and the exact
// (currency, amount, usd) money row, creating either as needed.
func findOrCreateMoneyTx(ctx context.Context, tx *sql.Tx, m money.Money, usdMinor int64) (int64, error) {
	symbol := m.Symbol
	symbolLeft := m.SymbolOnLeft
	if symbol == "" {
		symbol = " " + m.Currency
		symbolLeft = false
	}

	currencyID, err := database.FindOrCreateOrFind(ctx, tx,
		database.Query{
			SQL:  `SELECT id FROM currencies WHERE code = $1`,
			Args: []any{m.Currency},
		},
		database.Query{
			SQL: `INSERT INTO currencies (code, symbol, symbol_on_left, exponent)
				VALUES ($1, $2, $3, $4) RETURNING id`,
			Args: []any{m.Currency, symbol, symbolLeft, m.Exp},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("find or create currency %s: %w", m.Currency, err)
	}

	moneyID, err := database.FindOrCreateOrFind(ctx, tx,
		database.Query{
			SQL: `SELECT id FROM moneys
				WHERE currency_id = $1 AND amount = $2 AND amount_usd_cents = $3`,
			Args: []any{currencyID, m.Minor, usdMinor},
		},
		database.Query{
			SQL: `INSERT INTO moneys (currency_id, amount, amount_usd_cents)
				VALUES ($1, $2, $3) RETURNING id`,
			Args: []any{currencyID, m.Minor, usdMinor},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("find or create money %s: %w", m.String(), err)
	}
	return moneyID, nil
}

func (s *PostgresStore) CreateLoan(ctx context.Context, p CreateLoanParams) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	principalID, err := findOrCreateMoneyTx(ctx, tx, p.Principal, p.PrincipalUSDMinor)
	if err != nil {
		return 0, err
	}
	zero := p.Principal
	zero.Minor = 0
	zeroRepaidID, err := findOrCreateMoneyTx(ctx, tx, zero, 0)
	if err != nil {
		return 0, err
	}

	var loanID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO loans (lender_id, borrower_id, principal_id, principal_repayment_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, p.LenderID, p.BorrowerID, principalID, zeroRepaidID, p.CreatedAt).Scan(&loanID)
	if err != nil {
		return 0, fmt.Errorf("insert loan: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO loan_creation_infos (loan_id, type, parent_fullname, comment_fullname)
		VALUES ($1, 0, $2, $3)
	`, loanID, p.ParentFullname, p.CommentFullname)
	if err != nil {
		return 0, fmt.Errorf("insert creation info: %w", err)
	}

	return loanID, tx.Commit()
}

func (s *PostgresStore) GetLoan(ctx context.Context, id int64) (*Loan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+loanColumns+loanJoins+` WHERE loans.id = $1 AND loans.deleted_at IS NULL`, id)
	loan, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrLoanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get loan %d: %w", id, err)
	}
	return loan, nil
}

// GetLoanForUpdate reads the loan. Serialization against concurrent
// repayments happens in RecordRepayment, which locks the loan row and
// rejects writes whose prior repaid total is stale.
func (s *PostgresStore) GetLoanForUpdate(ctx context.Context, id int64) (*Loan, error) {
	return s.GetLoan(ctx, id)
}

func (s *PostgresStore) OldestOpenLoan(ctx context.Context, lenderID, borrowerID int64) (*Loan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+loanColumns+loanJoins+`
		WHERE loans.lender_id = $1 AND loans.borrower_id = $2
			AND loans.repaid_at IS NULL AND loans.deleted_at IS NULL
		ORDER BY loans.created_at ASC, loans.id ASC
		LIMIT 1`, lenderID, borrowerID)
	loan, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoOpenLoans
	}
	if err != nil {
		return nil, fmt.Errorf("oldest open loan for pair (%d, %d): %w", lenderID, borrowerID, err)
	}
	return loan, nil
}

func (s *PostgresStore) RecordRepayment(ctx context.Context, rec RepaymentRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the loan row and re-check the repaid total so concurrent
	// repayments on the same loan serialize instead of over-repaying.
	var priorRepaid int64
	err = tx.QueryRowContext(ctx, `
		SELECT repayments.amount
		FROM loans
		JOIN moneys repayments ON repayments.id = loans.principal_repayment_id
		WHERE loans.id = $1
		FOR UPDATE OF loans
	`, rec.LoanID).Scan(&priorRepaid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", ErrLoanNotFound, rec.LoanID)
	}
	if err != nil {
		return 0, fmt.Errorf("lock loan %d: %w", rec.LoanID, err)
	}
	if priorRepaid != rec.PriorRepaidMinor {
		return 0, fmt.Errorf("%w: loan %d", ErrConflict, rec.LoanID)
	}

	appliedID, err := findOrCreateMoneyTx(ctx, tx, rec.Applied, rec.AppliedUSDMinor)
	if err != nil {
		return 0, err
	}

	var eventID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO loan_repayment_events (loan_id, repayment_id, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, rec.LoanID, appliedID, rec.At).Scan(&eventID)
	if err != nil {
		return 0, fmt.Errorf("insert repayment event: %w", err)
	}

	// The principal-repaid pointer is replaced, not mutated; the old
	// money row stays behind as history.
	newRepaid := rec.Applied
	newRepaid.Minor = rec.NewRepaidMinor
	newRepaidID, err := findOrCreateMoneyTx(ctx, tx, newRepaid, rec.NewRepaidUSDMinor)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE loans SET principal_repayment_id = $1 WHERE id = $2
	`, newRepaidID, rec.LoanID)
	if err != nil {
		return 0, fmt.Errorf("update repaid pointer: %w", err)
	}

	if rec.FullyRepaid {
		_, err = tx.ExecContext(ctx, `
			UPDATE loans SET repaid_at = $1, unpaid_at = NULL WHERE id = $2
		`, rec.At, rec.LoanID)
		if err != nil {
			return 0, fmt.Errorf("stamp repaid_at: %w", err)
		}
		if rec.WasUnpaid {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO loan_unpaid_events (loan_id, unpaid, created_at)
				VALUES ($1, FALSE, $2)
			`, rec.LoanID, rec.At)
			if err != nil {
				return 0, fmt.Errorf("insert clearing unpaid event: %w", err)
			}
		}
	}

	return eventID, tx.Commit()
}

func (s *PostgresStore) MarkUnpaid(ctx context.Context, lenderID, borrowerID int64, at time.Time) ([]UnpaidMark, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE loans SET unpaid_at = $3
		WHERE lender_id = $1 AND borrower_id = $2
			AND repaid_at IS NULL AND deleted_at IS NULL AND unpaid_at IS NULL
		RETURNING id
	`, lenderID, borrowerID, at)
	if err != nil {
		return nil, fmt.Errorf("stamp unpaid_at: %w", err)
	}
	var loanIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		loanIDs = append(loanIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	marks := make([]UnpaidMark, 0, len(loanIDs))
	for _, loanID := range loanIDs {
		var eventID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO loan_unpaid_events (loan_id, unpaid, created_at)
			VALUES ($1, TRUE, $2)
			RETURNING id
		`, loanID, at).Scan(&eventID)
		if err != nil {
			return nil, fmt.Errorf("insert unpaid event for loan %d: %w", loanID, err)
		}
		marks = append(marks, UnpaidMark{EventID: eventID, LoanID: loanID})
	}

	return marks, tx.Commit()
}

func (s *PostgresStore) UnpaidEventUsernames(ctx context.Context, eventID int64) (string, string, error) {
	var borrower, lender string
	err := s.db.QueryRowContext(ctx, `
		SELECT borrowers.username, lenders.username
		FROM loan_unpaid_events
		JOIN loans ON loans.id = loan_unpaid_events.loan_id
		JOIN users borrowers ON borrowers.id = loans.borrower_id
		JOIN users lenders ON lenders.id = loans.lender_id
		WHERE loan_unpaid_events.id = $1
	`, eventID).Scan(&borrower, &lender)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("ledger: unpaid event %d not found", eventID)
	}
	return borrower, lender, err
}

func (s *PostgresStore) CountLoansInvolving(ctx context.Context, username string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM loans
		JOIN users lenders ON lenders.id = loans.lender_id
		JOIN users borrowers ON borrowers.id = loans.borrower_id
		WHERE (lenders.username = $1 OR borrowers.username = $1)
			AND loans.deleted_at IS NULL
	`, strings.ToLower(username)).Scan(&count)
	return count, err
}

func (s *PostgresStore) LoansInvolving(ctx context.Context, username string) ([]Loan, error) {
	return s.queryLoans(ctx,
		`SELECT`+loanColumns+loanJoins+`
		WHERE (lenders.username = $1 OR borrowers.username = $1)
			AND loans.deleted_at IS NULL
		ORDER BY loans.created_at DESC`, strings.ToLower(username))
}

func (s *PostgresStore) queryLoans(ctx context.Context, query string, args ...any) ([]Loan, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var loans []Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, *loan)
	}
	return loans, rows.Err()
}

// bucketFilters maps each summary bucket to its WHERE clause. $1 is
// the lowercased username.
var bucketFilters = map[string]string{
	PaidAsLender: `lenders.username = $1
		AND loans.repaid_at IS NOT NULL AND loans.deleted_at IS NULL`,
	PaidAsBorrower: `borrowers.username = $1
		AND loans.repaid_at IS NOT NULL AND loans.deleted_at IS NULL`,
	UnpaidAsLender: `lenders.username = $1
		AND loans.unpaid_at IS NOT NULL AND loans.deleted_at IS NULL`,
	UnpaidAsBorrower: `borrowers.username = $1
		AND loans.unpaid_at IS NOT NULL AND loans.deleted_at IS NULL`,
	InProgressAsLender: `lenders.username = $1
		AND loans.repaid_at IS NULL AND loans.unpaid_at IS NULL AND loans.deleted_at IS NULL`,
	InProgressAsBorrower: `borrowers.username = $1
		AND loans.repaid_at IS NULL AND loans.unpaid_at IS NULL AND loans.deleted_at IS NULL`,
}

func (s *PostgresStore) UserSummary(ctx context.Context, username string, shownLimit int) (*Summary, error) {
	username = strings.ToLower(username)
	summary := &Summary{Username: username, Buckets: make(map[string]Bucket, len(BucketKeys))}

	// Tables only show loans from the last year so ancient history
	// does not blow past the comment length limit.
	oldestShown := time.Now().AddDate(-1, 0, 0)

	for _, key := range BucketKeys {
		filter := bucketFilters[key]

		var (
			count int64
			total sql.NullInt64
		)
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*), SUM(principals.amount_usd_cents)
			FROM loans
			JOIN users lenders ON lenders.id = loans.lender_id
			JOIN users borrowers ON borrowers.id = loans.borrower_id
			JOIN moneys principals ON principals.id = loans.principal_id
			WHERE `+filter, username).Scan(&count, &total)
		if err != nil {
			return nil, fmt.Errorf("summary count %s: %w", key, err)
		}

		bucket := Bucket{Count: count, TotalUSDMinor: total.Int64}

		// The paid buckets render as a one-line total; the rest get a
		// table of recent loans.
		if count > 0 && key != PaidAsLender && key != PaidAsBorrower {
			shown, err := s.queryLoans(ctx,
				`SELECT`+loanColumns+loanJoins+`
				WHERE `+filter+` AND loans.created_at > $2
				ORDER BY loans.created_at DESC
				LIMIT $3`, username, oldestShown, shownLimit)
			if err != nil {
				return nil, fmt.Errorf("summary shown %s: %w", key, err)
			}
			bucket.Shown = shown
		}
		summary.Buckets[key] = bucket
	}
	return summary, nil
}

func (s *PostgresStore) MatchConfirm(ctx context.Context, lender, borrower string, amount money.Money, usdMinor int64) (*ConfirmMatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT loans.id, lci.type, lci.parent_fullname, lci.comment_fullname
		FROM loans
		JOIN users lenders ON lenders.id = loans.lender_id
		JOIN users borrowers ON borrowers.id = loans.borrower_id
		JOIN moneys principals ON principals.id = loans.principal_id
		JOIN currencies ON currencies.id = principals.currency_id
		JOIN moneys repayments ON repayments.id = loans.principal_repayment_id
		LEFT JOIN loan_creation_infos lci ON lci.loan_id = loans.id
		WHERE lenders.username = $1 AND borrowers.username = $2
			AND repayments.amount = 0
			AND loans.unpaid_at IS NULL AND loans.deleted_at IS NULL
			AND (
				(currencies.code = $3 AND principals.amount = $4)
				OR (currencies.code <> $3 AND ABS(principals.amount_usd_cents - $5) <= 100)
			)
		ORDER BY loans.created_at DESC
		LIMIT 1
	`, strings.ToLower(lender), strings.ToLower(borrower), amount.Currency, amount.Minor, usdMinor)

	var (
		match        ConfirmMatch
		creationType sql.NullInt64
		parent       sql.NullString
		comment      sql.NullString
	)
	err := row.Scan(&match.LoanID, &creationType, &parent, &comment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match confirm: %w", err)
	}
	match.Permalink = permalink(creationType, parent, comment)
	return &match, nil
}

// OpenLoansForLender returns non-repaid, non-deleted loans the lender
// gave out, oldest first. Used to suggest loan ids when a
// $paid_with_id lookup misses.
func (s *PostgresStore) OpenLoansForLender(ctx context.Context, lenderID int64) ([]Loan, error) {
	return s.queryLoans(ctx,
		`SELECT`+loanColumns+loanJoins+`
		WHERE loans.lender_id = $1
			AND loans.repaid_at IS NULL AND loans.deleted_at IS NULL
		ORDER BY loans.created_at ASC`, lenderID)
}

// OpenLoansForBorrower returns the borrower's outstanding loans: not
// repaid, not currently unpaid, not deleted.
func (s *PostgresStore) OpenLoansForBorrower(ctx context.Context, borrowerID int64) ([]Loan, error) {
	return s.queryLoans(ctx,
		`SELECT`+loanColumns+loanJoins+`
		WHERE loans.borrower_id = $1
			AND loans.repaid_at IS NULL AND loans.unpaid_at IS NULL AND loans.deleted_at IS NULL
		ORDER BY loans.created_at ASC`, borrowerID)
}

func (s *PostgresStore) CountAsLenderBefore(ctx context.Context, lenderID, beforeLoanID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM loans
		WHERE lender_id = $1 AND id < $2 AND deleted_at IS NULL
	`, lenderID, beforeLoanID).Scan(&count)
	return count, err
}

func (s *PostgresStore) CountAsLender(ctx context.Context, lenderID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM loans
		WHERE lender_id = $1 AND deleted_at IS NULL
	`, lenderID).Scan(&count)
	return count, err
}

func (s *PostgresStore) CountCompletedAsLender(ctx context.Context, lenderID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM loans
		WHERE lender_id = $1 AND repaid_at IS NOT NULL AND deleted_at IS NULL
	`, lenderID).Scan(&count)
	return count, err
}

func (s *PostgresStore) CountUnpaidAsBorrower(ctx context.Context, borrowerID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM loans
		WHERE borrower_id = $1 AND unpaid_at IS NOT NULL AND deleted_at IS NULL
	`, borrowerID).Scan(&count)
	return count, err
}

func (s *PostgresStore) SeenFullnames(ctx context.Context, fullnames []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(fullnames))
	if len(fullnames) == 0 {
		return seen, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT fullname FROM handled_fullnames WHERE fullname = ANY($1)
	`, pq.Array(fullnames))
	if err != nil {
		return nil, fmt.Errorf("select handled fullnames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var fullname string
		if err := rows.Scan(&fullname); err != nil {
			return nil, err
		}
		seen[fullname] = true
	}
	return seen, rows.Err()
}

func (s *PostgresStore) MarkFullname(ctx context.Context, fullname string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handled_fullnames (fullname) VALUES ($1)
		ON CONFLICT (fullname) DO NOTHING
	`, fullname)
	return err
}

func (s *PostgresStore) MonthlyStats(ctx context.Context) ([]MonthlyStat, error) {
	series := []struct {
		name   string
		column string
		filter string
	}{
		{"lent", "loans.created_at", ""},
		{"repaid", "loans.repaid_at", "AND loans.repaid_at IS NOT NULL"},
		{"unpaid", "loans.unpaid_at", "AND loans.unpaid_at IS NOT NULL"},
	}

	var stats []MonthlyStat
	for _, sr := range series {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT EXTRACT(YEAR FROM %[1]s)::INT, EXTRACT(MONTH FROM %[1]s)::INT,
				COUNT(*), SUM(principals.amount_usd_cents)
			FROM loans
			JOIN moneys principals ON principals.id = loans.principal_id
			WHERE loans.deleted_at IS NULL %[2]s
			GROUP BY 1, 2
		`, sr.column, sr.filter))
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", sr.name, err)
		}
		for rows.Next() {
			stat := MonthlyStat{Series: sr.name}
			var usd sql.NullInt64
			if err := rows.Scan(&stat.Year, &stat.Month, &stat.Count, &usd); err != nil {
				_ = rows.Close()
				return nil, err
			}
			stat.USDMinor = usd.Int64
			stats = append(stats, stat)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return stats, nil
}
