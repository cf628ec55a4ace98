package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/database"
)

var _ database.DisplayNamer = (*Pool)(nil)

// DisplayName returns the employee_name of an ERPNext employee, or an empty
// string if the employee does not exist or has no name.
func (p *Pool) DisplayName(ctx context.Context, employeeID string) (string, error) {
	var name sql.NullString
	err := p.db.QueryRowContext(ctx,
		"SELECT employee_name FROM `tabEmployee` WHERE name = ?", employeeID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup employee %s: %w", employeeID, err)
	}
	return strings.TrimSpace(name.String), nil
}
