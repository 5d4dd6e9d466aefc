package repo

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/bingo-registry/internal/cohort"
	"github.com/LeventeLantos/bingo-registry/internal/db"
	"github.com/LeventeLantos/bingo-registry/internal/model"
)

// testDB is nil when Docker is unavailable; integration tests skip then.
var testDB *sqlx.DB

func TestMain(m *testing.M) {
	code := func() int {
		pool, err := dockertest.NewPool("")
		if err != nil || pool.Client.Ping() != nil {
			log.Printf("docker unavailable, skipping postgres integration tests")
			return m.Run()
		}

		resource, err := pool.RunWithOptions(&dockertest.RunOptions{
			Repository: "postgres",
			Tag:        "16-alpine",
			Env: []string{
				"POSTGRES_USER=bingo",
				"POSTGRES_PASSWORD=bingo",
				"POSTGRES_DB=bingo",
			},
		}, func(config *docker.HostConfig) {
			config.AutoRemove = true
			config.RestartPolicy = docker.RestartPolicy{Name: "no"}
		})
		if err != nil {
			log.Printf("could not start postgres: %s", err)
			return m.Run()
		}
		defer func() { _ = pool.Purge(resource) }()
		_ = resource.Expire(120)

		url := fmt.Sprintf("postgres://bingo:bingo@%s/bingo?sslmode=disable", resource.GetHostPort("5432/tcp"))
		pool.MaxWait = 60 * time.Second
		if err := pool.Retry(func() error {
			conn, err := db.Open(context.Background(), db.Options{URL: url, MaxOpenConns: 30})
			if err != nil {
				return err
			}
			testDB = conn
			return nil
		}); err != nil {
			log.Printf("could not connect to postgres: %s", err)
			return m.Run()
		}
		if err := db.Migrate(context.Background(), testDB); err != nil {
			log.Fatalf("migrate: %s", err)
		}
		return m.Run()
	}()
	os.Exit(code)
}

func requireDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres not available")
	}
	_, err := testDB.Exec(`TRUNCATE campaign_recipient_logs, campaigns, users, bingo_tables,
		neighborhoods, cantons, provinces RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return testDB
}

func seedVerifiedUser(t *testing.T, conn *sqlx.DB, phone, idCard, first string, createdAt time.Time) int64 {
	t.Helper()
	var id int64
	err := conn.QueryRow(`
		INSERT INTO users (phone, id_card, first_name, last_name, phone_verified, created_at)
		VALUES ($1, $2, $3, 'Test', TRUE, $4) RETURNING id
	`, phone, idCard, first, createdAt).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedLocation(t *testing.T, conn *sqlx.DB) (province, canton, neighborhood int64) {
	t.Helper()
	require.NoError(t, conn.QueryRow(`INSERT INTO provinces (name) VALUES ('Manabi') RETURNING id`).Scan(&province))
	require.NoError(t, conn.QueryRow(`INSERT INTO cantons (province_id, name) VALUES ($1, 'Manta') RETURNING id`, province).Scan(&canton))
	require.NoError(t, conn.QueryRow(`INSERT INTO neighborhoods (canton_id, name) VALUES ($1, 'Centro') RETURNING id`, canton).Scan(&neighborhood))
	return province, canton, neighborhood
}

func seedPool(t *testing.T, conn *sqlx.DB, n int) {
	t.Helper()
	tables := make([]model.Table, n)
	for i := range tables {
		tables[i] = model.Table{Code: model.TableCode(i*10+1, i*10+10), FileName: fmt.Sprintf("tablas/%d.pdf", i)}
	}
	require.NoError(t, NewPostgresTableRepo(conn).InsertPool(context.Background(), tables))
}

func TestTableRepo_AssignNextIsExclusiveUnderConcurrency(t *testing.T) {
	conn := requireDB(t)
	ctx := context.Background()

	const pool, callers = 5, 20
	seedPool(t, conn, pool)

	userIDs := make([]int64, callers)
	base := time.Now().Add(-time.Hour)
	for i := range userIDs {
		userIDs[i] = seedVerifiedUser(t, conn, fmt.Sprintf("09900000%02d", i), fmt.Sprintf("17000000%02d", i), "U", base)
	}

	repo := NewPostgresTableRepo(conn)

	var (
		mu        sync.Mutex
		got       = map[int64]int64{}
		exhausted int
		other     []error
		wg        sync.WaitGroup
	)
	for _, uid := range userIDs {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			tbl, err := repo.AssignNext(ctx, uid)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if prev, dup := got[tbl.ID]; dup {
					other = append(other, fmt.Errorf("table %d given to %d and %d", tbl.ID, prev, uid))
				}
				got[tbl.ID] = uid
			case model.KindOf(err) == model.KindNoInventory:
				exhausted++
			default:
				other = append(other, err)
			}
		}(uid)
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Len(t, got, pool)
	assert.Equal(t, callers-pool, exhausted)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TableStats{Total: pool, Delivered: pool, Available: 0}, stats)
}

func TestTableRepo_ReleaseReturnsTableToPool(t *testing.T) {
	conn := requireDB(t)
	ctx := context.Background()
	seedPool(t, conn, 1)
	uid := seedVerifiedUser(t, conn, "0991111111", "1711111111", "Ana", time.Now())

	repo := NewPostgresTableRepo(conn)
	tbl, err := repo.AssignNext(ctx, uid)
	require.NoError(t, err)

	held, err := repo.GetByUser(ctx, uid)
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, tbl.ID, held.ID)

	require.NoError(t, repo.Release(ctx, tbl.ID))

	held, err = repo.GetByUser(ctx, uid)
	require.NoError(t, err)
	assert.Nil(t, held)

	again, err := repo.AssignNext(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, tbl.ID, again.ID)
}

func TestUserRepo_VerifyMapsUniqueViolation(t *testing.T) {
	conn := requireDB(t)
	ctx := context.Background()
	users := NewPostgresUserRepo(conn)

	seedVerifiedUser(t, conn, "0992222222", "1722222222", "Ana", time.Now())
	pendingID, err := users.CreatePending(ctx, "0993333333", "1722222222", "hash", time.Now().Add(5*time.Minute))
	require.NoError(t, err)

	prov, canton, hood := seedLocation(t, conn)
	err = users.Verify(ctx, pendingID, model.Profile{
		FirstName: "Bo", LastName: "Li", ProvinceID: prov, CantonID: canton, NeighborhoodID: hood,
		AddressDetail: "Calle principal 123",
	})
	require.Error(t, err)
	assert.Equal(t, model.KindDuplicateIDCard, model.KindOf(err))
}

func TestUserRepo_DeleteExpiredIncompleteKeepsActiveRows(t *testing.T) {
	conn := requireDB(t)
	ctx := context.Background()
	users := NewPostgresUserRepo(conn)
	now := time.Now()

	_, err := users.CreatePending(ctx, "0994444444", "1744444444", "h", now.Add(-time.Second))
	require.NoError(t, err)
	activeID, err := users.CreatePending(ctx, "0994444444", "1755555555", "h", now.Add(time.Minute))
	require.NoError(t, err)

	n, err := users.DeleteExpiredIncomplete(ctx, "0994444444", "1744444444", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := users.FindByPhoneOrIDCard(ctx, "0994444444", "none")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, activeID, rows[0].ID)
}

func TestUserRepo_FindByIdentifierPrefersVerified(t *testing.T) {
	conn := requireDB(t)
	ctx := context.Background()
	users := NewPostgresUserRepo(conn)

	verifiedID := seedVerifiedUser(t, conn, "0996666666", "1766666666", "Eva", time.Now())
	_, err := users.CreatePending(ctx, "0997777777", "1766666666", "h", time.Now().Add(time.Minute))
	require.NoError(t, err)

	byIDCard, err := users.FindByIdentifier(ctx, "1766666666")
	require.NoError(t, err)
	require.NotNil(t, byIDCard)
	assert.Equal(t, verifiedID, byIDCard.ID)

	byPhone, err := users.FindByIdentifier(ctx, "0996666666")
	require.NoError(t, err)
	require.NotNil(t, byPhone)
	assert.Equal(t, verifiedID, byPhone.ID)

	missing, err := users.FindByIdentifier(ctx, "0990000000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCampaignRepo_CreateFreezesRecipientCount(t *testing.T) {
	conn := requireDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var recipients []model.Recipient
	for i := 0; i < 7; i++ {
		phone := fmt.Sprintf("09955555%02d", i)
		id := seedVerifiedUser(t, conn, phone, fmt.Sprintf("18000000%02d", i), "R", base.Add(time.Duration(i)*time.Minute))
		recipients = append(recipients, model.Recipient{UserID: id, Phone: phone})
	}

	campaigns := NewPostgresCampaignRepo(conn)
	id, err := campaigns.Create(ctx, &model.Campaign{
		Name: "promo", MessageTemplate: "Hola {firstName}", Filter: cohort.And(cohort.HasTable{Has: false}),
		IntervalMinutes: 1, MaxMessagesPerHour: 60,
	}, recipients)
	require.NoError(t, err)

	c, err := campaigns.Get(ctx, id)
	require.NoError(t, err)
	counts, err := campaigns.LogCounts(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, model.CampaignPending, c.Status)
	assert.Equal(t, c.TotalRecipients, counts.Total())
	assert.Equal(t, 7, counts.Pending)
	require.Len(t, c.Filter.Predicates, 1)
	assert.Equal(t, cohort.HasTable{Has: false}, c.Filter.Predicates[0])
}

func TestCampaignRepo_TransitionIsCompareAndSet(t *testing.T) {
	conn := requireDB(t)
	ctx := context.Background()
	uid := seedVerifiedUser(t, conn, "0996666666", "1766666666", "T", time.Now())

	campaigns := NewPostgresCampaignRepo(conn)
	id, err := campaigns.Create(ctx, &model.Campaign{Name: "c", MessageTemplate: "x", IntervalMinutes: 1, MaxMessagesPerHour: 1},
		[]model.Recipient{{UserID: uid, Phone: "0996666666"}})
	require.NoError(t, err)

	now := time.Now()
	ok, err := campaigns.Transition(ctx, id, []model.CampaignStatus{model.CampaignPending}, model.CampaignRunning, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = campaigns.Transition(ctx, id, []model.CampaignStatus{model.CampaignPending}, model.CampaignRunning, now)
	require.NoError(t, err)
	assert.False(t, ok, "second start must lose")

	ok, err = campaigns.Transition(ctx, id, []model.CampaignStatus{model.CampaignRunning, model.CampaignPaused}, model.CampaignCancelled, now)
	require.NoError(t, err)
	assert.True(t, ok)

	c, err := campaigns.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, c.StartedAt)
	assert.NotNil(t, c.CompletedAt)

	require.NoError(t, campaigns.Delete(ctx, id))
	_, err = campaigns.Get(ctx, id)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestCohortRepo_FindIsDeterministic(t *testing.T) {
	conn := requireDB(t)
	ctx := context.Background()

	same := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 6; i++ {
		seedVerifiedUser(t, conn, fmt.Sprintf("09977777%02d", i), fmt.Sprintf("19000000%02d", i), "C", same)
	}
	_, err := NewPostgresUserRepo(conn).CreatePending(ctx, "0998888888", "1988888888", "h", time.Now().Add(time.Minute))
	require.NoError(t, err)

	cohorts := NewPostgresCohortRepo(conn)
	first, err := cohorts.Find(ctx, cohort.Filter{}, 1, 4)
	require.NoError(t, err)
	second, err := cohorts.Find(ctx, cohort.Filter{}, 1, 4)
	require.NoError(t, err)

	assert.Equal(t, 6, first.TotalCount, "unverified rows are never part of a cohort")
	require.Len(t, first.Items, 4)
	for i := range first.Items {
		assert.Equal(t, first.Items[i].UserID, second.Items[i].UserID)
	}

	summary, err := cohorts.Summary(ctx, cohort.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 6, summary.TotalCount)
	assert.Equal(t, 6, summary.WithoutTable)
}
