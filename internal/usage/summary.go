package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbutil "github.com/apimeter/apimeter/internal/db"
	"github.com/apimeter/apimeter/internal/models"
)

// SummaryRow is aggregated usage for one resource on one calendar day.
type SummaryRow struct {
	Endpoint string `json:"endpoint"`
	Date     string `json:"date"`
	Count    int64  `json:"count"`
}

// Summarize returns per-resource, per-day request counts for an organization
// over the inclusive calendar date range.
func Summarize(ctx context.Context, conn *gorm.DB, orgID uuid.UUID, startDate, endDate time.Time) ([]SummaryRow, error) {
	dayExpr := dbutil.DateTextExpr(conn, "timestamp")
	var rows []SummaryRow
	errFind := conn.WithContext(ctx).
		Model(&models.UsageLog{}).
		Select("endpoint, " + dayExpr + " AS date, COUNT(*) AS count").
		Where("org_id = ? AND timestamp >= ? AND timestamp < ?", orgID, startDate, endDate.AddDate(0, 0, 1)).
		Group("endpoint, " + dayExpr).
		Order("endpoint ASC, date ASC").
		Scan(&rows).Error
	if errFind != nil {
		return nil, errFind
	}
	return rows, nil
}
