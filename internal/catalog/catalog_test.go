package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bypasshub/control-plane/internal/catalogtypes"
	"github.com/bypasshub/control-plane/internal/errs"
)

func openTestCatalog(t *testing.T, opts Options) *Catalog {
	t.Helper()
	dir := t.TempDir()
	if opts.Path == "" {
		opts.Path = filepath.Join(dir, "database.sqlite3")
	}
	if opts.TempPath == "" {
		opts.TempPath = dir
	}
	cat, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestValidateUsername(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		want  string
		isErr bool
	}{
		{"lowercased", "Alice_1", "alice_1", false},
		{"empty", "", "", true},
		{"tooLong", string(make([]byte, 65)), "", true},
		{"nonWord", "alice-bob", "", true},
		{"maxLength", string(bytesOf('a', 64)), string(bytesOf('a', 64)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateUsername(tc.in)
			if tc.isErr {
				require.Error(t, err)
				assert.True(t, errs.Is(err, errs.KindInvalidUsername))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func bytesOf(c byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return b
}

func TestAddUserAndDuplicate(t *testing.T) {
	cat := openTestCatalog(t, Options{})

	creds, err := cat.AddUser("Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", creds.Username)
	assert.NotEmpty(t, creds.UUID)

	_, err = cat.AddUser("alice")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindUserExist))

	exists, err := cat.IsExist("alice")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAddUserCapacity(t *testing.T) {
	cat := openTestCatalog(t, Options{MaxUsers: 1})

	_, err := cat.AddUser("alice")
	require.NoError(t, err)

	_, err = cat.AddUser("bob")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindUsersCapacity))
}

func TestAddUserActiveCapacity(t *testing.T) {
	cat := openTestCatalog(t, Options{MaxActiveUsers: 1})

	_, err := cat.AddUser("alice")
	require.NoError(t, err)
	start := time.Now().UTC().Add(-time.Minute)
	duration := time.Hour
	require.NoError(t, cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &duration}))

	_, err = cat.AddUser("bob")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindActiveUsersCapacity))
}

func TestDeleteUserNotExist(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	err := cat.DeleteUser("ghost")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindUserNotExist))
}

func TestDeleteUserCascadesReservedPlanAndHistory(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)

	start := time.Now().UTC().Add(-time.Minute)
	duration := time.Hour
	traffic := int64(1000)
	require.NoError(t, cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &duration, Traffic: &traffic}))
	require.NoError(t, cat.SetReservedPlan("alice", nil, &duration, &traffic))

	require.NoError(t, cat.DeleteUser("alice"))

	_, err = cat.AddUser("alice")
	require.NoError(t, err)
	rp, err := cat.GetReservedPlan("alice")
	require.NoError(t, err)
	assert.Nil(t, rp)
	history, err := cat.PlanHistory("alice", nil)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSetPlanRequiresStartDateAndDurationTogether(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)

	start := time.Now()
	err = cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start})
	require.Error(t, err)

	duration := time.Hour
	err = cat.SetPlan("alice", catalogtypes.SetPlanParams{Duration: &duration})
	require.Error(t, err)
}

func TestSetPlanRejectsNonPositiveDurationAndTraffic(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)

	start := time.Now()
	zero := time.Duration(0)
	err = cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &zero})
	require.Error(t, err)

	negTraffic := int64(-1)
	duration := time.Hour
	err = cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &duration, Traffic: &negTraffic})
	require.Error(t, err)
}

// TestAddAndExpireByTime is scenario 1 from spec.md §8: a finite-time plan
// goes from active to inactive exactly at start+duration.
func TestAddAndExpireByTime(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	duration := 60 * time.Second
	require.NoError(t, cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &duration}))

	plan, err := cat.GetPlan("alice")
	require.NoError(t, err)
	assert.True(t, plan.Active(time.Date(2024, 1, 1, 0, 0, 59, 0, time.UTC)))
	assert.False(t, plan.Active(time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)))
}

// TestTrafficDebitWithExtra is scenario 2 from spec.md §8.
func TestTrafficDebitWithExtra(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)

	start := time.Now().UTC().Add(-time.Minute)
	duration := time.Hour
	traffic := int64(1000)
	require.NoError(t, cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &duration, Traffic: &traffic}))
	require.NoError(t, cat.SetPlanExtraTraffic("alice", nil, ptr(int64(500))))

	// Session usage of 1300 bytes (700 uplink + 600 downlink) split across
	// base (1000 remaining) then extra (300 remaining).
	plan, err := cat.GetPlan("alice")
	require.NoError(t, err)
	sessionUsage := int64(700 + 600)
	addedUsage := sessionUsage
	var addedExtra int64
	if plan.ExtraTraffic > 0 && plan.TrafficUsage+sessionUsage > *plan.Traffic {
		addedUsage = *plan.Traffic - plan.TrafficUsage
		addedExtra = sessionUsage - addedUsage
	}
	require.NoError(t, cat.UpdateTraffic("alice", addedUsage, addedExtra, 700, 600))

	plan, err = cat.GetPlan("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), plan.TrafficUsage)
	assert.Equal(t, int64(300), plan.ExtraTrafficUsage)
	assert.True(t, plan.Active(time.Now()))
}

func TestSetPlanExtraTrafficRejectsUnlimitedPlan(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)
	start := time.Now().UTC()
	duration := time.Hour
	require.NoError(t, cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &duration}))

	err = cat.SetPlanExtraTraffic("alice", nil, ptr(int64(100)))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNoTrafficLimit))
}

func TestSetPlanFlattensExtraTrafficOnChange(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)

	start := time.Now().UTC().Add(-time.Minute)
	duration := time.Hour
	traffic := int64(1000)
	require.NoError(t, cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &duration, Traffic: &traffic}))
	require.NoError(t, cat.SetPlanExtraTraffic("alice", nil, ptr(int64(500))))
	require.NoError(t, cat.UpdateTraffic("alice", 0, 200, 0, 0))

	newTraffic := int64(2000)
	require.NoError(t, cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &duration, Traffic: &newTraffic}))

	plan, err := cat.GetPlan("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(300), plan.ExtraTraffic) // 500 - 200 used
	assert.Equal(t, int64(0), plan.ExtraTrafficUsage)
	assert.Equal(t, int64(0), plan.TrafficUsage) // reset since traffic was finite and preserve=false
}

func TestSetReservedPlanRequiresActivePlan(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)

	duration := time.Hour
	err = cat.SetReservedPlan("alice", nil, &duration, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNoActivePlan))
}

// TestReservedPlanActivation is scenario 5 from spec.md §8.
func TestReservedPlanActivation(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)

	start := time.Now().UTC().Add(-time.Minute)
	duration := time.Hour
	traffic := int64(1000)
	require.NoError(t, cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &duration, Traffic: &traffic}))

	reservedDuration := time.Hour
	reservedTraffic := int64(5000)
	require.NoError(t, cat.SetReservedPlan("alice", nil, &reservedDuration, &reservedTraffic))

	// Force-expire by exhausting the traffic.
	require.NoError(t, cat.UpdateTraffic("alice", 1000, 0, 1000, 0))
	active, err := cat.HasActivePlan("alice")
	require.NoError(t, err)
	assert.False(t, active)

	activated, err := cat.ActivateReservedPlan("alice")
	require.NoError(t, err)
	assert.True(t, activated)

	rp, err := cat.GetReservedPlan("alice")
	require.NoError(t, err)
	assert.Nil(t, rp)

	plan, err := cat.GetPlan("alice")
	require.NoError(t, err)
	require.NotNil(t, plan.Traffic)
	assert.Equal(t, reservedTraffic, *plan.Traffic)
	assert.True(t, plan.Active(time.Now()))

	history, err := cat.PlanHistory("alice", nil)
	require.NoError(t, err)
	found := false
	for _, h := range history {
		if h.Action == catalogtypes.ActionUpdateReservedPlan {
			found = true
		}
	}
	assert.True(t, found)
}

func TestActivateReservedPlanNoneReturnsFalse(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)
	activated, err := cat.ActivateReservedPlan("alice")
	require.NoError(t, err)
	assert.False(t, activated)
}

func TestResetTotalTraffic(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)
	require.NoError(t, cat.UpdateTraffic("alice", 0, 0, 100, 200))

	total, err := cat.GetTotalTraffic("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), total.Uplink)
	assert.Equal(t, int64(200), total.Downlink)

	require.NoError(t, cat.ResetTotalTraffic("alice"))
	total, err = cat.GetTotalTraffic("alice")
	require.NoError(t, err)
	assert.Equal(t, catalogtypes.Traffic{}, total)
}

func TestGetLatestActivities(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)
	_, err = cat.AddUser("bob")
	require.NoError(t, err)

	require.NoError(t, cat.UpdateTraffic("alice", 0, 0, 1, 1))

	activities, err := cat.GetLatestActivities(nil)
	require.NoError(t, err)
	_, ok := activities["alice"]
	assert.True(t, ok)
	_, ok = activities["bob"]
	assert.False(t, ok)

	future := time.Now().UTC().Add(time.Hour)
	activities, err = cat.GetLatestActivities(&future)
	require.NoError(t, err)
	assert.Empty(t, activities)
}

func TestGenerateListWritesOnlyActiveUsers(t *testing.T) {
	dir := t.TempDir()
	cat := openTestCatalog(t, Options{TempPath: dir})

	_, err := cat.AddUser("alice")
	require.NoError(t, err)
	start := time.Now().UTC().Add(-time.Minute)
	duration := time.Hour
	require.NoError(t, cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &duration}))

	_, err = cat.AddUser("bob")
	require.NoError(t, err)
	pastStart := time.Now().UTC().Add(-time.Hour)
	pastDuration := time.Minute
	require.NoError(t, cat.SetPlan("bob", catalogtypes.SetPlanParams{StartDate: &pastStart, Duration: &pastDuration}))

	require.NoError(t, cat.GenerateList())

	data, err := os.ReadFile(filepath.Join(dir, "users"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "alice")
	assert.NotContains(t, string(data), "bob")

	_, err = os.ReadFile(filepath.Join(dir, "last-generate"))
	require.NoError(t, err)
}

// TestDumpRoundTrip is the spec.md §8 round-trip property: dump() followed
// by restoring into an empty catalog produces an identical dump().
func TestDumpRoundTrip(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)
	start := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	duration := time.Hour
	traffic := int64(1000)
	require.NoError(t, cat.SetPlan("alice", catalogtypes.SetPlanParams{StartDate: &start, Duration: &duration, Traffic: &traffic}))
	require.NoError(t, cat.UpdateTraffic("alice", 10, 0, 10, 20))

	snap1, err := cat.Dump()
	require.NoError(t, err)

	restored := openTestCatalog(t, Options{})
	for _, u := range snap1.Users {
		_, err := restored.AddUser(u.Username)
		require.NoError(t, err)
		require.NoError(t, restored.SetPlan(u.Username, catalogtypes.SetPlanParams{
			StartDate: u.Plan.StartDate,
			Duration:  u.Plan.Duration,
			Traffic:   u.Plan.Traffic,
		}))
		require.NoError(t, restored.UpdateTraffic(u.Username, u.Plan.TrafficUsage, u.Plan.ExtraTrafficUsage, u.TotalUpload, u.TotalDownload))
	}

	snap2, err := restored.Dump()
	require.NoError(t, err)
	require.Len(t, snap2.Users, len(snap1.Users))
	assert.Equal(t, snap1.Users[0].Username, snap2.Users[0].Username)
	assert.Equal(t, snap1.Users[0].Plan.TrafficUsage, snap2.Users[0].Plan.TrafficUsage)
	assert.Equal(t, snap1.Users[0].TotalUpload, snap2.Users[0].TotalUpload)
}

func TestBackupCreatesFile(t *testing.T) {
	cat := openTestCatalog(t, Options{})
	_, err := cat.AddUser("alice")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, cat.Backup(dir, ".test"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The backup must be a real, queryable SQLite database with the same
	// rows as the live catalog, not a raw byte copy of a WAL-mode file.
	restored, err := Open(Options{Path: filepath.Join(dir, entries[0].Name())})
	require.NoError(t, err)
	defer restored.Close()

	exists, err := restored.IsExist("alice")
	require.NoError(t, err)
	assert.True(t, exists)
}

func ptr[T any](v T) *T { return &v }
