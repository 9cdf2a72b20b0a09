// Package catalog is the persistent store of users, plans, reserved plans,
// and plan history, built on mattn/go-sqlite3 with WAL journaling. It is a
// per-process value rather than a package-level singleton: each process
// opens its own connection to the same on-disk database.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/bypasshub/control-plane/internal/catalogtypes"
	"github.com/bypasshub/control-plane/internal/errs"
)

const (
	usernameMinLength = 1
	usernameMaxLength = 64

	// DefaultTimeout bounds every query issued through Catalog.
	DefaultTimeout = 10 * time.Second
)

// Catalog is a single process's connection to the user database.
type Catalog struct {
	db       *sql.DB
	path     string
	tempPath string

	maxUsers       int
	maxActiveUsers int

	backupMu   sync.Mutex
	backupStop chan struct{}
	backupDone chan struct{}
}

// Options configures a Catalog at Open time.
type Options struct {
	Path           string
	TempPath       string
	MaxUsers       int
	MaxActiveUsers int
}

// Open opens (and, on first use, creates) the database at opts.Path.
func Open(opts Options) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
		return nil, fmt.Errorf("catalog: creating database directory: %w", err)
	}

	dsn := opts.Path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: creating schema: %w", err)
	}

	return &Catalog{
		db:             db,
		path:           opts.Path,
		tempPath:       opts.TempPath,
		maxUsers:       opts.MaxUsers,
		maxActiveUsers: opts.MaxActiveUsers,
	}, nil
}

// Close releases the underlying database connection. Stops the backup
// procedure first, if it is running.
func (c *Catalog) Close() error {
	c.StopBackup()
	return c.db.Close()
}

func currentTime() time.Time {
	return time.Now().UTC()
}

// ValidateUsername lowercases username after checking its length and
// character set.
func ValidateUsername(username string) (string, error) {
	if len(username) < usernameMinLength || len(username) > usernameMaxLength {
		return "", errs.InvalidUsername(username)
	}
	for _, r := range username {
		if !isWordChar(r) {
			return "", errs.InvalidUsername(username)
		}
	}
	return toLower(username), nil
}

func isWordChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		return true
	default:
		return false
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// IsExist reports whether username is present in the database.
func (c *Catalog) IsExist(username string) (bool, error) {
	username, err := ValidateUsername(username)
	if err != nil {
		return false, err
	}
	return c.isExist(username)
}

func (c *Catalog) isExist(username string) (bool, error) {
	var exists bool
	err := c.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)", username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("catalog: checking user existence: %w", err)
	}
	return exists, nil
}

// ValidateCredentials reports whether the username/uuid pair matches a row.
func (c *Catalog) ValidateCredentials(creds catalogtypes.Credentials) (bool, error) {
	username, err := ValidateUsername(creds.Username)
	if err != nil {
		return false, err
	}
	var exists bool
	err = c.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM users WHERE username = ? AND uuid = ?)",
		username, creds.UUID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("catalog: validating credentials: %w", err)
	}
	return exists, nil
}

// AddUser creates a new user, generating a fresh UUID, retrying up to three
// times on a UUID collision before failing with UUIDOverlap.
func (c *Catalog) AddUser(username string) (catalogtypes.Credentials, error) {
	username, err := ValidateUsername(username)
	if err != nil {
		return catalogtypes.Credentials{}, err
	}

	full, err := c.hasNoCapacity()
	if err != nil {
		return catalogtypes.Credentials{}, err
	}
	if full {
		return catalogtypes.Credentials{}, errs.UsersCapacity()
	}
	activeFull, err := c.hasNoActiveCapacity()
	if err != nil {
		return catalogtypes.Credentials{}, err
	}
	if activeFull {
		return catalogtypes.Credentials{}, errs.ActiveUsersCapacity()
	}

	for retry := 0; retry < 3; retry++ {
		id := newUUID()
		_, err := c.db.Exec(
			`INSERT INTO users (username, uuid, user_creation_date) VALUES (?, ?, ?)`,
			username, id, currentTime().Format(time.RFC3339),
		)
		if err == nil {
			return catalogtypes.Credentials{Username: username, UUID: id}, nil
		}
		switch classifyConstraint(err) {
		case constraintPrimaryKey:
			return catalogtypes.Credentials{}, errs.UserExist(username)
		case constraintUnique:
			continue
		default:
			return catalogtypes.Credentials{}, fmt.Errorf("catalog: inserting user: %w", err)
		}
	}
	return catalogtypes.Credentials{}, errs.UUIDOverlap()
}

// DeleteUser removes the user and, by cascade, its reserved plan and
// history entries.
func (c *Catalog) DeleteUser(username string) error {
	username, err := ValidateUsername(username)
	if err != nil {
		return err
	}
	exists, err := c.isExist(username)
	if err != nil {
		return err
	}
	if !exists {
		return errs.UserNotExist(username)
	}
	if _, err := c.db.Exec("DELETE FROM users WHERE username = ?", username); err != nil {
		return fmt.Errorf("catalog: deleting user: %w", err)
	}
	return nil
}

// GetCredentials returns the stored username/uuid pair.
func (c *Catalog) GetCredentials(username string) (catalogtypes.Credentials, error) {
	username, err := ValidateUsername(username)
	if err != nil {
		return catalogtypes.Credentials{}, err
	}
	var creds catalogtypes.Credentials
	err = c.db.QueryRow(
		"SELECT username, uuid FROM users WHERE username = ?", username,
	).Scan(&creds.Username, &creds.UUID)
	if err == sql.ErrNoRows {
		return catalogtypes.Credentials{}, errs.UserNotExist(username)
	}
	if err != nil {
		return catalogtypes.Credentials{}, fmt.Errorf("catalog: reading credentials: %w", err)
	}
	return creds, nil
}

// GetPlan returns the user's current plan.
func (c *Catalog) GetPlan(username string) (catalogtypes.Plan, error) {
	username, err := ValidateUsername(username)
	if err != nil {
		return catalogtypes.Plan{}, err
	}
	return c.getPlan(username)
}

func (c *Catalog) getPlan(username string) (catalogtypes.Plan, error) {
	var (
		plan        catalogtypes.Plan
		startDate   sql.NullString
		duration    sql.NullInt64
		traffic     sql.NullInt64
	)
	err := c.db.QueryRow(
		`SELECT plan_start_date, plan_duration, plan_traffic,
		        plan_traffic_usage, plan_extra_traffic, plan_extra_traffic_usage
		 FROM users WHERE username = ?`,
		username,
	).Scan(&startDate, &duration, &traffic, &plan.TrafficUsage, &plan.ExtraTraffic, &plan.ExtraTrafficUsage)
	if err == sql.ErrNoRows {
		return catalogtypes.Plan{}, errs.UserNotExist(username)
	}
	if err != nil {
		return catalogtypes.Plan{}, fmt.Errorf("catalog: reading plan: %w", err)
	}
	if startDate.Valid {
		t, err := time.Parse(time.RFC3339, startDate.String)
		if err != nil {
			return catalogtypes.Plan{}, fmt.Errorf("catalog: parsing plan_start_date: %w", err)
		}
		plan.StartDate = &t
	}
	if duration.Valid {
		d := time.Duration(duration.Int64) * time.Second
		plan.Duration = &d
	}
	if traffic.Valid {
		v := traffic.Int64
		plan.Traffic = &v
	}
	return plan, nil
}

// SetPlan updates the user's plan and appends a history row in the same
// transaction.
func (c *Catalog) SetPlan(username string, params catalogtypes.SetPlanParams) error {
	username, err := ValidateUsername(username)
	if err != nil {
		return err
	}
	if (params.StartDate == nil) != (params.Duration == nil) {
		return fmt.Errorf("catalog: start_date and duration must be set together")
	}
	if params.Duration != nil && *params.Duration <= 0 {
		return fmt.Errorf("catalog: duration must be greater than zero")
	}
	if params.Traffic != nil && *params.Traffic <= 0 {
		return fmt.Errorf("catalog: traffic must be greater than zero")
	}

	exists, err := c.isExist(username)
	if err != nil {
		return err
	}
	if !exists {
		return errs.UserNotExist(username)
	}

	resetTrafficUsage := params.Traffic != nil && !params.PreserveTrafficUsage

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("catalog: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var startDate any
	if params.StartDate != nil {
		startDate = params.StartDate.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	var duration any
	if params.Duration != nil {
		duration = int64(params.Duration.Seconds())
	}
	var traffic any
	if params.Traffic != nil {
		traffic = *params.Traffic
	}

	if resetTrafficUsage {
		_, err = tx.Exec(
			`UPDATE users SET
				plan_start_date = ?, plan_duration = ?, plan_traffic = ?,
				plan_traffic_usage = 0,
				plan_extra_traffic = MAX(plan_extra_traffic - plan_extra_traffic_usage, 0),
				plan_extra_traffic_usage = 0
			 WHERE username = ?`,
			startDate, duration, traffic, username,
		)
	} else {
		_, err = tx.Exec(
			`UPDATE users SET
				plan_start_date = ?, plan_duration = ?, plan_traffic = ?,
				plan_extra_traffic = MAX(plan_extra_traffic - plan_extra_traffic_usage, 0),
				plan_extra_traffic_usage = 0
			 WHERE username = ?`,
			startDate, duration, traffic, username,
		)
	}
	if err != nil {
		return fmt.Errorf("catalog: updating plan: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO history (id, date, action, username, plan_start_date, plan_duration, plan_traffic)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		params.ID, currentTime().Format(time.RFC3339), catalogtypes.ActionUpdatePlan,
		username, startDate, duration, traffic,
	)
	if err != nil {
		return fmt.Errorf("catalog: recording plan history: %w", err)
	}

	if params.Callback != nil {
		if err := params.Callback(); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SetPlanExtraTraffic appends (or, when extraTraffic is nil, resets) the
// user's extra traffic allowance.
func (c *Catalog) SetPlanExtraTraffic(username string, id *int64, extraTraffic *int64) error {
	username, err := ValidateUsername(username)
	if err != nil {
		return err
	}
	if extraTraffic != nil {
		if *extraTraffic <= 0 {
			return fmt.Errorf("catalog: extra_traffic must be greater than zero")
		}
		plan, err := c.getPlan(username)
		if err != nil {
			return err
		}
		if plan.UnlimitedTraffic() {
			return errs.NoTrafficLimit(username)
		}
	}
	exists, err := c.isExist(username)
	if err != nil {
		return err
	}
	if !exists {
		return errs.UserNotExist(username)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("catalog: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var extra any
	if extraTraffic != nil {
		extra = *extraTraffic
	}
	_, err = tx.Exec(
		`UPDATE users SET
			plan_extra_traffic = MAX(IFNULL(plan_extra_traffic + ? - plan_extra_traffic_usage, 0), 0),
			plan_extra_traffic_usage = 0
		 WHERE username = ?`,
		extra, username,
	)
	if err != nil {
		return fmt.Errorf("catalog: updating extra traffic: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO history (id, date, action, username, plan_extra_traffic) VALUES (?, ?, ?, ?, ?)`,
		id, currentTime().Format(time.RFC3339), catalogtypes.ActionUpdatePlanExtraTraffic, username, extra,
	)
	if err != nil {
		return fmt.Errorf("catalog: recording extra traffic history: %w", err)
	}
	return tx.Commit()
}

// PlanHistory returns the user's plan-change history, newest first,
// optionally filtered to a single caller-supplied id.
func (c *Catalog) PlanHistory(username string, id *int64) ([]catalogtypes.HistoryEntry, error) {
	username, err := ValidateUsername(username)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, date, action, plan_start_date, plan_duration, plan_traffic, plan_extra_traffic
	          FROM history WHERE username = ?`
	args := []any{username}
	if id != nil {
		query += " AND id = ?"
		args = append(args, *id)
	}
	query += " ORDER BY date DESC"

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing plan history: %w", err)
	}
	defer rows.Close()

	var entries []catalogtypes.HistoryEntry
	for rows.Next() {
		var (
			entryID      sql.NullInt64
			date         string
			action       string
			startDate    sql.NullString
			duration     sql.NullInt64
			traffic      sql.NullInt64
			extraTraffic sql.NullInt64
		)
		if err := rows.Scan(&entryID, &date, &action, &startDate, &duration, &traffic, &extraTraffic); err != nil {
			return nil, fmt.Errorf("catalog: scanning history row: %w", err)
		}

		entry := catalogtypes.HistoryEntry{
			Action:   catalogtypes.PlanUpdateAction(action),
			Username: username,
		}
		if entryID.Valid {
			v := entryID.Int64
			entry.ID = &v
		}
		entry.Date, err = time.Parse(time.RFC3339, date)
		if err != nil {
			return nil, fmt.Errorf("catalog: parsing history date: %w", err)
		}
		if startDate.Valid {
			t, err := time.Parse(time.RFC3339, startDate.String)
			if err != nil {
				return nil, fmt.Errorf("catalog: parsing history plan_start_date: %w", err)
			}
			entry.StartDate = &t
		}
		if duration.Valid {
			d := time.Duration(duration.Int64) * time.Second
			entry.Duration = &d
		}
		if traffic.Valid {
			v := traffic.Int64
			entry.Traffic = &v
		}
		if extraTraffic.Valid {
			v := extraTraffic.Int64
			entry.ExtraTraffic = &v
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetReservedPlan returns the user's pending reserved plan, or nil.
func (c *Catalog) GetReservedPlan(username string) (*catalogtypes.ReservedPlan, error) {
	username, err := ValidateUsername(username)
	if err != nil {
		return nil, err
	}
	exists, err := c.isExist(username)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errs.UserNotExist(username)
	}

	var (
		reservedDate string
		duration     sql.NullInt64
		traffic      sql.NullInt64
	)
	err = c.db.QueryRow(
		`SELECT plan_reserved_date, plan_duration, plan_traffic FROM reserved_plans WHERE username = ?`,
		username,
	).Scan(&reservedDate, &duration, &traffic)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: reading reserved plan: %w", err)
	}

	rp := &catalogtypes.ReservedPlan{}
	rp.ReservedDate, err = time.Parse(time.RFC3339, reservedDate)
	if err != nil {
		return nil, fmt.Errorf("catalog: parsing plan_reserved_date: %w", err)
	}
	if duration.Valid {
		d := time.Duration(duration.Int64) * time.Second
		rp.Duration = &d
	}
	if traffic.Valid {
		v := traffic.Int64
		rp.Traffic = &v
	}
	return rp, nil
}

// SetReservedPlan creates or replaces the user's reserved plan. Requires the
// user to currently have an active plan.
func (c *Catalog) SetReservedPlan(username string, id *int64, duration *time.Duration, traffic *int64) error {
	username, err := ValidateUsername(username)
	if err != nil {
		return err
	}
	if duration != nil && *duration <= 0 {
		return fmt.Errorf("catalog: duration must be greater than zero")
	}
	if traffic != nil && *traffic <= 0 {
		return fmt.Errorf("catalog: traffic must be greater than zero")
	}

	active, err := c.HasActivePlan(username)
	if err != nil {
		return err
	}
	if !active {
		return errs.NoActivePlan(username)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("catalog: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := currentTime().Format(time.RFC3339)
	var durationArg, trafficArg any
	if duration != nil {
		durationArg = int64(duration.Seconds())
	}
	if traffic != nil {
		trafficArg = *traffic
	}

	_, err = tx.Exec(
		`INSERT INTO reserved_plans (username, plan_reserved_date, plan_duration, plan_traffic)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (username) DO UPDATE SET
			plan_reserved_date = excluded.plan_reserved_date,
			plan_duration = excluded.plan_duration,
			plan_traffic = excluded.plan_traffic`,
		username, now, durationArg, trafficArg,
	)
	if err != nil {
		return fmt.Errorf("catalog: upserting reserved plan: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO history (id, date, action, username, plan_duration, plan_traffic)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, now, catalogtypes.ActionUpdateReservedPlan, username, durationArg, trafficArg,
	)
	if err != nil {
		return fmt.Errorf("catalog: recording reserved plan history: %w", err)
	}
	return tx.Commit()
}

// UnsetReservedPlan removes the user's reserved plan, if any.
func (c *Catalog) UnsetReservedPlan(username string) error {
	username, err := ValidateUsername(username)
	if err != nil {
		return err
	}
	exists, err := c.isExist(username)
	if err != nil {
		return err
	}
	if !exists {
		return errs.UserNotExist(username)
	}
	if _, err := c.db.Exec("DELETE FROM reserved_plans WHERE username = ?", username); err != nil {
		return fmt.Errorf("catalog: deleting reserved plan: %w", err)
	}
	return nil
}

// ActivateReservedPlan replaces the active plan with the reserved one, if
// the user has one, atomically unsetting the reserved row in the same
// transaction as the plan update.
func (c *Catalog) ActivateReservedPlan(username string) (bool, error) {
	reserved, err := c.GetReservedPlan(username)
	if err != nil {
		return false, err
	}
	if reserved == nil {
		return false, nil
	}

	var startDate *time.Time
	if reserved.Duration != nil {
		t := currentTime()
		startDate = &t
	}
	err = c.SetPlan(username, catalogtypes.SetPlanParams{
		StartDate: startDate,
		Duration:  reserved.Duration,
		Traffic:   reserved.Traffic,
		Callback: func() error {
			_, err := c.db.Exec("DELETE FROM reserved_plans WHERE username = ?", username)
			return err
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// HasActivePlan reports whether the user's plan currently has both time
// and traffic remaining.
func (c *Catalog) HasActivePlan(username string) (bool, error) {
	plan, err := c.GetPlan(username)
	if err != nil {
		return false, err
	}
	return plan.Active(currentTime()), nil
}

func (c *Catalog) hasNoCapacity() (bool, error) {
	if c.maxUsers <= 0 {
		return false, nil
	}
	var count int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return false, fmt.Errorf("catalog: counting users: %w", err)
	}
	return count >= c.maxUsers, nil
}

func (c *Catalog) hasNoActiveCapacity() (bool, error) {
	if c.maxActiveUsers <= 0 {
		return false, nil
	}
	count, err := c.activeCapacity()
	if err != nil {
		return false, err
	}
	return count >= c.maxActiveUsers, nil
}

func (c *Catalog) activeCapacity() (int, error) {
	usernames, err := c.Usernames()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, username := range usernames {
		active, err := c.HasActivePlan(username)
		if err != nil {
			return 0, err
		}
		if active {
			count++
		}
	}
	return count, nil
}

// Usernames returns every username in the catalog.
func (c *Catalog) Usernames() ([]string, error) {
	rows, err := c.db.Query("SELECT username FROM users")
	if err != nil {
		return nil, fmt.Errorf("catalog: listing usernames: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("catalog: scanning username: %w", err)
		}
		usernames = append(usernames, username)
	}
	return usernames, rows.Err()
}

// GetTotalTraffic returns the user's cumulative upload/download counters.
func (c *Catalog) GetTotalTraffic(username string) (catalogtypes.Traffic, error) {
	username, err := ValidateUsername(username)
	if err != nil {
		return catalogtypes.Traffic{}, err
	}
	var t catalogtypes.Traffic
	err = c.db.QueryRow(
		"SELECT total_upload, total_download FROM users WHERE username = ?", username,
	).Scan(&t.Uplink, &t.Downlink)
	if err == sql.ErrNoRows {
		return catalogtypes.Traffic{}, errs.UserNotExist(username)
	}
	if err != nil {
		return catalogtypes.Traffic{}, fmt.Errorf("catalog: reading total traffic: %w", err)
	}
	return t, nil
}

// ResetTotalTraffic zeroes the user's cumulative traffic counters.
func (c *Catalog) ResetTotalTraffic(username string) error {
	username, err := ValidateUsername(username)
	if err != nil {
		return err
	}
	exists, err := c.isExist(username)
	if err != nil {
		return err
	}
	if !exists {
		return errs.UserNotExist(username)
	}
	_, err = c.db.Exec(
		"UPDATE users SET total_upload = 0, total_download = 0 WHERE username = ?", username,
	)
	if err != nil {
		return fmt.Errorf("catalog: resetting total traffic: %w", err)
	}
	return nil
}

// UpdateTraffic monotonically increments the user's plan and total traffic
// counters, and stamps latest_activity. Must not yield, —
// callers pass already-computed deltas rather than awaiting inside.
func (c *Catalog) UpdateTraffic(username string, trafficUsage, extraTrafficUsage, upload, download int64) error {
	_, err := c.db.Exec(
		`UPDATE users SET
			plan_traffic_usage = plan_traffic_usage + ?,
			plan_extra_traffic_usage = plan_extra_traffic_usage + ?,
			total_upload = total_upload + ?,
			total_download = total_download + ?,
			latest_activity = ?
		 WHERE username = ?`,
		trafficUsage, extraTrafficUsage, upload, download, currentTime().Format(time.RFC3339), username,
	)
	if err != nil {
		return fmt.Errorf("catalog: updating traffic: %w", err)
	}
	return nil
}

// GetLatestActivity returns the user's last recorded activity timestamp,
// or nil if the user has never had traffic recorded.
func (c *Catalog) GetLatestActivity(username string) (*time.Time, error) {
	username, err := ValidateUsername(username)
	if err != nil {
		return nil, err
	}
	var latest sql.NullString
	err = c.db.QueryRow("SELECT latest_activity FROM users WHERE username = ?", username).Scan(&latest)
	if err == sql.ErrNoRows {
		return nil, errs.UserNotExist(username)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: reading latest activity: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, latest.String)
	if err != nil {
		return nil, fmt.Errorf("catalog: parsing latest_activity: %w", err)
	}
	return &t, nil
}

// GetLatestActivities returns every user's latest activity timestamp,
// optionally filtered to those at or after `from`.
func (c *Catalog) GetLatestActivities(from *time.Time) (map[string]time.Time, error) {
	rows, err := c.db.Query("SELECT username, latest_activity FROM users WHERE latest_activity IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("catalog: listing latest activities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var username, latest string
		if err := rows.Scan(&username, &latest); err != nil {
			return nil, fmt.Errorf("catalog: scanning latest activity: %w", err)
		}
		t, err := time.Parse(time.RFC3339, latest)
		if err != nil {
			return nil, fmt.Errorf("catalog: parsing latest_activity: %w", err)
		}
		if from != nil && t.Before(*from) {
			continue
		}
		out[username] = t
	}
	return out, rows.Err()
}

// GenerateList writes "<username> <uuid>\n" for every user with an active
// plan to tempPath/users, then stamps tempPath/last-generate. The data
// planes read this list at boot.
func (c *Catalog) GenerateList() error {
	if c.tempPath == "" {
		return fmt.Errorf("catalog: temp_path is not configured")
	}
	if err := os.MkdirAll(c.tempPath, 0o750); err != nil {
		return fmt.Errorf("catalog: creating temp_path: %w", err)
	}

	rows, err := c.db.Query("SELECT username, uuid FROM users")
	if err != nil {
		return fmt.Errorf("catalog: listing users: %w", err)
	}
	defer rows.Close()

	tmp := filepath.Join(c.tempPath, "users.tmp")
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("catalog: creating users list: %w", err)
	}

	for rows.Next() {
		var username, uuid string
		if err := rows.Scan(&username, &uuid); err != nil {
			file.Close()
			return fmt.Errorf("catalog: scanning user: %w", err)
		}
		active, err := c.HasActivePlan(username)
		if err != nil {
			file.Close()
			return err
		}
		if active {
			if _, err := fmt.Fprintf(file, "%s %s\n", username, uuid); err != nil {
				file.Close()
				return fmt.Errorf("catalog: writing users list: %w", err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("catalog: closing users list: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(c.tempPath, "users")); err != nil {
		return fmt.Errorf("catalog: publishing users list: %w", err)
	}

	marker := strconv.FormatInt(currentTime().Unix(), 10)
	if err := os.WriteFile(filepath.Join(c.tempPath, "last-generate"), []byte(marker), 0o640); err != nil {
		return fmt.Errorf("catalog: writing last-generate marker: %w", err)
	}
	return nil
}

// Dump returns the full catalog contents, for backup verification and for
// the `database dump` CLI subcommand.
func (c *Catalog) Dump() (catalogtypes.Snapshot, error) {
	var snap catalogtypes.Snapshot

	usernames, err := c.Usernames()
	if err != nil {
		return snap, err
	}
	for _, username := range usernames {
		creds, err := c.GetCredentials(username)
		if err != nil {
			return snap, err
		}
		plan, err := c.getPlan(username)
		if err != nil {
			return snap, err
		}
		traffic, err := c.GetTotalTraffic(username)
		if err != nil {
			return snap, err
		}
		latest, err := c.GetLatestActivity(username)
		if err != nil {
			return snap, err
		}
		snap.Users = append(snap.Users, catalogtypes.User{
			Username:       username,
			UUID:           creds.UUID,
			Plan:           plan,
			TotalUpload:    traffic.Uplink,
			TotalDownload:  traffic.Downlink,
			LatestActivity: latest,
		})

		reserved, err := c.GetReservedPlan(username)
		if err != nil {
			return snap, err
		}
		if reserved != nil {
			if snap.Reserved == nil {
				snap.Reserved = make(map[string]catalogtypes.ReservedPlan)
			}
			snap.Reserved[username] = *reserved
		}

		history, err := c.PlanHistory(username, nil)
		if err != nil {
			return snap, err
		}
		snap.History = append(snap.History, history...)
	}
	return snap, nil
}

// Backup copies the database to backupDir with the given suffix (or a
// timestamp suffix when empty), via go-sqlite3's online backup API
// (sqlite3_backup, the same mechanism Python sqlite3's conn.backup() wraps)
// followed by a VACUUM of the copy, matching Database.backup's "page copy
// plus a compaction, without blocking writers" behavior: the backup API
// copies pages from the live database without taking the kind of lock that
// would stall a concurrent writer, and the compaction runs against the
// already-detached copy, never the live file.
func (c *Catalog) Backup(dir, suffix string) error {
	if suffix == "" {
		suffix = currentTime().Format(".20060102150405") + ".bak"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("catalog: creating backup directory: %w", err)
	}

	dst := filepath.Join(dir, filepath.Base(c.path)+suffix)
	os.Remove(dst)

	dstDB, err := sql.Open("sqlite3", dst)
	if err != nil {
		return fmt.Errorf("catalog: opening backup target: %w", err)
	}
	defer dstDB.Close()

	ctx := context.Background()
	srcConn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("catalog: acquiring source connection: %w", err)
	}
	defer srcConn.Close()

	dstConn, err := dstDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("catalog: acquiring backup connection: %w", err)
	}
	defer dstConn.Close()

	err = dstConn.Raw(func(dstDriver any) error {
		return srcConn.Raw(func(srcDriver any) error {
			dstSQLite := dstDriver.(*sqlite3.SQLiteConn)
			srcSQLite := srcDriver.(*sqlite3.SQLiteConn)

			backup, err := dstSQLite.Backup("main", srcSQLite, "main")
			if err != nil {
				return fmt.Errorf("catalog: starting online backup: %w", err)
			}
			if _, err := backup.Step(-1); err != nil {
				backup.Finish()
				return fmt.Errorf("catalog: copying database pages: %w", err)
			}
			return backup.Finish()
		})
	})
	if err != nil {
		return err
	}

	if _, err := dstDB.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("catalog: compacting backup: %w", err)
	}
	return nil
}

// StartBackup launches the periodic self-triggered backup loop. No-op when
// interval <= 0. Safe to call once; a second call is a no-op.
func (c *Catalog) StartBackup(interval time.Duration) {
	c.backupMu.Lock()
	defer c.backupMu.Unlock()
	if interval <= 0 || c.backupStop != nil {
		return
	}
	c.backupStop = make(chan struct{})
	c.backupDone = make(chan struct{})
	backupDir := filepath.Join(filepath.Dir(c.path), "backup")

	go func() {
		defer close(c.backupDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.backupStop:
				return
			case <-ticker.C:
				_ = c.Backup(backupDir, "")
			}
		}
	}()
}

// StopBackup stops the periodic backup loop, if running.
func (c *Catalog) StopBackup() {
	c.backupMu.Lock()
	stop := c.backupStop
	done := c.backupDone
	c.backupStop = nil
	c.backupDone = nil
	c.backupMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
