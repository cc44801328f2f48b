package tests

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealpoint/seckill/internal/adapter/storage"
	"github.com/dealpoint/seckill/internal/cache"
	"github.com/dealpoint/seckill/internal/core/domain"
	"github.com/dealpoint/seckill/internal/core/service"
	"github.com/dealpoint/seckill/internal/idgen"
	"github.com/dealpoint/seckill/internal/log"
	"github.com/dealpoint/seckill/internal/metrics"
	"github.com/dealpoint/seckill/internal/port"
)

type testEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	store   *storage.RedisAdapter
	db      *storage.MySQLAdapter
	seckill *service.SeckillService
	metrics *metrics.Metrics
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/seckill?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	logger := log.NewNop()
	m := metrics.New(prometheus.NewRegistry())

	redisAdapter := storage.NewRedisAdapter(rdb)
	mysqlAdapter := storage.NewMySQLAdapter(db)

	rdb.Del(context.Background(), "stream.orders")
	require.NoError(t, redisAdapter.EnsureGroup(context.Background()))

	pool := cache.NewRebuildPool(2, 10)
	pool.Start()
	catalog := storage.NewCachedCatalog(mysqlAdapter, cache.NewClient(rdb, pool, m.CacheRebuilds, logger))

	seckill := service.NewSeckillService(
		redisAdapter, catalog,
		idgen.NewGenerator(idgen.NewRedisCounter(rdb)),
		m, logger,
	)

	t.Cleanup(func() {
		pool.Stop()
		rdb.Close()
		db.Close()
	})

	return &testEnv{
		redis:   rdb,
		mysql:   db,
		store:   redisAdapter,
		db:      mysqlAdapter,
		seckill: seckill,
		metrics: m,
	}
}

func (e *testEnv) seedVoucher(t *testing.T, id int64, stock int) *domain.Voucher {
	ctx := context.Background()
	now := time.Now()
	v := &domain.Voucher{
		ID:        id,
		Title:     "integration voucher",
		Stock:     stock,
		BeginTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	}

	_, err := e.mysql.ExecContext(ctx, `
		INSERT INTO vouchers (id, title, stock, begin_time, end_time)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE stock = VALUES(stock), begin_time = VALUES(begin_time), end_time = VALUES(end_time)`,
		v.ID, v.Title, v.Stock, v.BeginTime, v.EndTime)
	require.NoError(t, err)

	_, err = e.mysql.ExecContext(ctx, `DELETE FROM orders WHERE voucher_id = ?`, v.ID)
	require.NoError(t, err)

	// Drop any cached copy from a previous run, then mirror the stock.
	e.redis.Del(ctx, "cache:voucher:"+itoa(v.ID))
	require.NoError(t, e.seckill.PrewarmVoucher(ctx, v))
	return v
}

func (e *testEnv) startConsumer(t *testing.T) *service.OrderConsumer {
	consumer := service.NewOrderConsumer(
		e.store, e.db, e.store,
		e.metrics, log.NewNop(),
		"it-consumer", 100*time.Millisecond, 10*time.Millisecond,
	)
	consumer.Start()
	t.Cleanup(consumer.Stop)
	return consumer
}

func (e *testEnv) orderCount(t *testing.T, voucherID int64) int {
	var count int
	require.NoError(t, e.mysql.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM orders WHERE voucher_id = ?`, voucherID).Scan(&count))
	return count
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestPurchase_StockOfOneSingleWinnerSingleOrder(t *testing.T) {
	env := setupTestEnv(t)
	const voucherID = 7001
	env.seedVoucher(t, voucherID, 1)
	env.startConsumer(t)

	ctx := context.Background()
	type result struct {
		orderID int64
		err     error
	}
	results := make(chan result, 2)

	var wg sync.WaitGroup
	for _, userID := range []int64{1, 2} {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			id, err := env.seckill.Purchase(ctx, uid, voucherID)
			results <- result{id, err}
		}(userID)
	}
	wg.Wait()
	close(results)

	var ok, soldOut int
	var winnerOrder int64
	for r := range results {
		switch {
		case r.err == nil:
			ok++
			winnerOrder = r.orderID
		case errors.Is(r.err, service.ErrInsufficientStock):
			soldOut++
		default:
			t.Fatalf("unexpected error: %v", r.err)
		}
	}
	require.Equal(t, 1, ok, "exactly one buyer may win")
	require.Equal(t, 1, soldOut)
	require.Positive(t, winnerOrder)

	require.Eventually(t, func() bool {
		return env.orderCount(t, voucherID) == 1
	}, 5*time.Second, 50*time.Millisecond, "winner's order must be persisted")

	var stock int
	require.NoError(t, env.mysql.QueryRowContext(ctx,
		`SELECT stock FROM vouchers WHERE id = ?`, voucherID).Scan(&stock))
	assert.Equal(t, 0, stock)
}

func TestPurchase_SecondAttemptDuplicateBeforePersistence(t *testing.T) {
	env := setupTestEnv(t)
	const voucherID = 7002
	env.seedVoucher(t, voucherID, 10)
	// No consumer: the first intent stays unpersisted on purpose.

	ctx := context.Background()
	_, err := env.seckill.Purchase(ctx, 5, voucherID)
	require.NoError(t, err)

	_, err = env.seckill.Purchase(ctx, 5, voucherID)
	assert.ErrorIs(t, err, service.ErrDuplicateOrder,
		"duplicate must be rejected even before persistence")
}

func TestPurchase_ManyBuyersNeverOversell(t *testing.T) {
	env := setupTestEnv(t)
	const (
		voucherID = 7003
		stock     = 10
		buyers    = 100
	)
	env.seedVoucher(t, voucherID, stock)
	env.startConsumer(t)

	ctx := context.Background()
	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			if _, err := env.seckill.Purchase(ctx, uid, voucherID); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	require.Equal(t, int32(stock), ok)

	require.Eventually(t, func() bool {
		return env.orderCount(t, voucherID) == stock
	}, 10*time.Second, 100*time.Millisecond, "every accepted intent must be persisted")

	// Settled state: durable and mirrored stock converge at zero.
	var durable int
	require.NoError(t, env.mysql.QueryRowContext(ctx,
		`SELECT stock FROM vouchers WHERE id = ?`, voucherID).Scan(&durable))
	mirrored, err := env.store.MirroredStock(ctx, voucherID)
	require.NoError(t, err)
	assert.Equal(t, 0, durable)
	assert.Equal(t, int64(0), mirrored)
}

func TestConsumer_RestartReplaysPendingIntent(t *testing.T) {
	env := setupTestEnv(t)
	const voucherID = 7004
	env.seedVoucher(t, voucherID, 5)

	ctx := context.Background()
	_, err := env.seckill.Purchase(ctx, 9, voucherID)
	require.NoError(t, err)

	// Simulate a consumer that dequeued and crashed before acking.
	entry, err := env.store.Dequeue(ctx, "it-consumer", time.Second)
	require.NoError(t, err)
	require.NotNil(t, entry)

	// A restarted consumer must replay the pending entry exactly once.
	env.startConsumer(t)

	require.Eventually(t, func() bool {
		return env.orderCount(t, voucherID) == 1
	}, 5*time.Second, 50*time.Millisecond)

	// Give redelivery a moment to misbehave, then confirm it did not.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, env.orderCount(t, voucherID), "replay must not duplicate the order")
}

func TestConsumer_RedeliveryAfterPersistLeavesReservationSpent(t *testing.T) {
	env := setupTestEnv(t)
	const voucherID = 7005
	env.seedVoucher(t, voucherID, 3)

	ctx := context.Background()
	orderID, err := env.seckill.Purchase(ctx, 11, voucherID)
	require.NoError(t, err)

	// Crash after persist, before ack: write the order row by hand and
	// leave the dequeued entry unacknowledged.
	entry, err := env.store.Dequeue(ctx, "it-consumer", time.Second)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NoError(t, env.db.CreateOrder(ctx, entry.Intent))

	mirroredBefore, err := env.store.MirroredStock(ctx, voucherID)
	require.NoError(t, err)

	// The restarted consumer replays the entry and must treat the
	// duplicate as its own completed work.
	env.startConsumer(t)

	require.Eventually(t, func() bool {
		pending, err := env.store.PendingCount(ctx)
		return err == nil && pending == 0
	}, 5*time.Second, 50*time.Millisecond, "redelivered entry must be acknowledged")

	assert.Equal(t, 1, env.orderCount(t, voucherID))

	mirroredAfter, err := env.store.MirroredStock(ctx, voucherID)
	require.NoError(t, err)
	assert.Equal(t, mirroredBefore, mirroredAfter, "redelivery must not restore mirrored stock")

	res, err := env.store.CheckAndReserve(ctx, voucherID, 11, orderID+1)
	require.NoError(t, err)
	assert.Equal(t, port.ReserveDuplicate, res,
		"buyer with a persisted order must not win the fast path again")
}
