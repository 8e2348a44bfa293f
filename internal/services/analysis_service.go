package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/finbridge/backend/internal/models"
)

// AnalysisService answers income/expense questions over the ledger. It only
// ever reads committed entries and never mutates them.
type AnalysisService struct {
	db        *sql.DB
	validator *ValidationHelper
}

const (
	AnalysisTargetIncome  = "INCOME"
	AnalysisTargetExpense = "EXPENSE"
)

var analysisPeriods = map[string]string{
	"DAILY":   "day",
	"WEEKLY":  "week",
	"MONTHLY": "month",
	"YEARLY":  "year",
}

// income is money arriving on the account, expense is money leaving it.
var analysisTargets = map[string][]string{
	AnalysisTargetIncome:  {models.TxTypeDeposit, models.TxTypeTransferIn},
	AnalysisTargetExpense: {models.TxTypeWithdraw, models.TxTypeTransferOut, models.TxTypeFee},
}

type PeriodBucket struct {
	Period           time.Time       `json:"period"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TransactionCount int             `json:"transaction_count"`
}

type AnalysisResult struct {
	Target           string          `json:"target"`
	PeriodType       string          `json:"period_type"`
	StartDate        string          `json:"start_date"`
	EndDate          string          `json:"end_date"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TransactionCount int             `json:"transaction_count"`
	PeriodData       []PeriodBucket  `json:"period_data"`
}

func NewAnalysisService(db *sql.DB) *AnalysisService {
	return &AnalysisService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// GetAnalysis aggregates ledger entries for the authenticated user
// @Summary Income/expense analysis
// @Description Aggregate the user's ledger entries into period buckets
// @Tags analysis
// @Produce json
// @Security BearerAuth
// @Param target query string true "INCOME or EXPENSE"
// @Param period query string true "DAILY, WEEKLY, MONTHLY or YEARLY"
// @Param start query string true "Start date (YYYY-MM-DD, inclusive)"
// @Param end query string true "End date (YYYY-MM-DD, inclusive)"
// @Param accountId query string false "Restrict to one account"
// @Success 200 {object} AnalysisResult
// @Failure 400 {object} ErrorResponse
// @Router /analysis [get]
func (s *AnalysisService) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	target := strings.ToUpper(r.URL.Query().Get("target"))
	txTypes, ok := analysisTargets[target]
	if !ok {
		SendErrorResponse(w, "target must be INCOME or EXPENSE", http.StatusBadRequest, nil)
		return
	}

	periodType := strings.ToUpper(r.URL.Query().Get("period"))
	trunc, ok := analysisPeriods[periodType]
	if !ok {
		SendErrorResponse(w, "period must be DAILY, WEEKLY, MONTHLY or YEARLY", http.StatusBadRequest, nil)
		return
	}

	start, err := time.Parse("2006-01-02", r.URL.Query().Get("start"))
	if err != nil {
		SendErrorResponse(w, "start must be YYYY-MM-DD", http.StatusBadRequest, nil)
		return
	}

	end, err := time.Parse("2006-01-02", r.URL.Query().Get("end"))
	if err != nil {
		SendErrorResponse(w, "end must be YYYY-MM-DD", http.StatusBadRequest, nil)
		return
	}
	endExclusive := end.AddDate(0, 0, 1)

	args := []any{userID, pq.Array(txTypes), start, endExclusive}
	accountFilter := ""
	if accountID := r.URL.Query().Get("accountId"); accountID != "" {
		accountFilter = " AND th.account_id = $5"
		args = append(args, accountID)
	}

	rows, err := s.db.Query(`
		SELECT date_trunc('`+trunc+`', th.occurred_at) AS period,
		       SUM(th.amount) AS total_amount,
		       COUNT(*) AS transaction_count
		FROM transaction_history th
		JOIN accounts a ON a.id = th.account_id
		WHERE a.owner_id = $1
		  AND th.tx_type = ANY($2)
		  AND th.occurred_at >= $3
		  AND th.occurred_at < $4`+accountFilter+`
		GROUP BY period
		ORDER BY period`, args...)
	if err != nil {
		log.Printf("[ANALYSIS] Aggregation query failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to run analysis", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	result := AnalysisResult{
		Target:      target,
		PeriodType:  periodType,
		StartDate:   start.Format("2006-01-02"),
		EndDate:     end.Format("2006-01-02"),
		TotalAmount: decimal.Zero,
		PeriodData:  []PeriodBucket{},
	}

	for rows.Next() {
		var bucket PeriodBucket
		if err := rows.Scan(&bucket.Period, &bucket.TotalAmount, &bucket.TransactionCount); err != nil {
			SendErrorResponse(w, "Failed to run analysis", http.StatusInternalServerError, nil)
			return
		}
		result.TotalAmount = result.TotalAmount.Add(bucket.TotalAmount)
		result.TransactionCount += bucket.TransactionCount
		result.PeriodData = append(result.PeriodData, bucket)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to run analysis", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
