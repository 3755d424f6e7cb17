// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/rewards-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInsufficientPoints возвращается при попытке списания баллов сверх баланса.
var (
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrTierNotFound возвращается, если уровень вознаграждения не найден.
	ErrTierNotFound = errors.New("reward tier not found")
	// ErrRedemptionNotFound возвращается, если код погашения не найден.
	ErrRedemptionNotFound = errors.New("redemption not found")
	// ErrCodeCollision возвращается при попытке создать обмен с уже занятым кодом.
	ErrCodeCollision = errors.New("redemption code already exists")
	// ErrRedemptionConsumed возвращается при попытке возврата за погашенный обмен.
	ErrRedemptionConsumed = errors.New("redemption already consumed")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// EnsureUser создаёт запись пользователя, если её ещё нет. Идентификатор
// приходит из bearer-токена и непрозрачен для сервиса.
func (r *PostgresRepository) EnsureUser(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// CreditPoints добавляет запись о начислении баллов в журнал.
func (r *PostgresRepository) CreditPoints(ctx context.Context, tx model.PointsTransaction) (string, error) {
	if err := r.EnsureUser(ctx, tx.UserID); err != nil {
		return "", err
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO points_transactions (id, user_id, amount, type, description, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		tx.ID, tx.UserID, tx.Amount, string(tx.Type), tx.Description, tx.Metadata,
	)
	if err != nil {
		return "", fmt.Errorf("insert transaction: %w", err)
	}

	return tx.ID, nil
}

// Balance возвращает баланс пользователя как сумму всех его транзакций.
func (r *PostgresRepository) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM points_transactions WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return balance, nil
}

// TransactionsByUser возвращает историю транзакций пользователя, новые первыми.
func (r *PostgresRepository) TransactionsByUser(ctx context.Context, userID string) ([]model.PointsTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount, type, description, metadata, created_at
		 FROM points_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.PointsTransaction
	for rows.Next() {
		var (
			tx     model.PointsTransaction
			txType string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &txType, &tx.Description, &tx.Metadata, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Type = model.TransactionType(txType)
		res = append(res, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpsertTier создаёт или обновляет уровень каталога вознаграждений.
func (r *PostgresRepository) UpsertTier(ctx context.Context, tier model.RewardTier) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO reward_tiers (id, tier_name, points_required, requires_selection, eligible_items)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET tier_name = EXCLUDED.tier_name,
		     points_required = EXCLUDED.points_required,
		     requires_selection = EXCLUDED.requires_selection,
		     eligible_items = EXCLUDED.eligible_items`,
		tier.ID, tier.TierName, tier.PointsRequired, tier.RequiresSelection, tier.EligibleItems,
	)
	if err != nil {
		return fmt.Errorf("upsert tier: %w", err)
	}
	return nil
}

// GetTier возвращает уровень вознаграждения по идентификатору.
func (r *PostgresRepository) GetTier(ctx context.Context, tierID string) (*model.RewardTier, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, tier_name, points_required, requires_selection, eligible_items
		 FROM reward_tiers WHERE id = $1`,
		tierID,
	)

	var tier model.RewardTier
	err := row.Scan(&tier.ID, &tier.TierName, &tier.PointsRequired, &tier.RequiresSelection, &tier.EligibleItems)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTierNotFound
		}
		return nil, fmt.Errorf("get tier: %w", err)
	}

	return &tier, nil
}

// ListTiers возвращает все уровни каталога, отсортированные по стоимости.
func (r *PostgresRepository) ListTiers(ctx context.Context) ([]model.RewardTier, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tier_name, points_required, requires_selection, eligible_items
		 FROM reward_tiers ORDER BY points_required`,
	)
	if err != nil {
		return nil, fmt.Errorf("select tiers: %w", err)
	}
	defer rows.Close()

	var res []model.RewardTier
	for rows.Next() {
		var tier model.RewardTier
		if err := rows.Scan(&tier.ID, &tier.TierName, &tier.PointsRequired, &tier.RequiresSelection, &tier.EligibleItems); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		res = append(res, tier)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateRedemption атомарно списывает баллы и создаёт запись обмена.
// Строка пользователя блокируется на время транзакции, чтобы параллельные
// списания не прошли при недостаточном балансе. Списание без обмена или
// обмен без списания невозможны: обе записи входят в одну транзакцию БД.
func (r *PostgresRepository) CreateRedemption(ctx context.Context, red *model.Redemption, debit model.PointsTransaction) error {
	if err := r.EnsureUser(ctx, red.UserID); err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, red.UserID).Scan(&dummy)
	if err != nil {
		return fmt.Errorf("lock user for update: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM points_transactions WHERE user_id = $1`,
		red.UserID,
	).Scan(&balance)
	if err != nil {
		return fmt.Errorf("sum transactions: %w", err)
	}

	if balance < red.PointsRequired {
		return ErrInsufficientPoints
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO points_transactions (id, user_id, amount, type, description, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		debit.ID, debit.UserID, debit.Amount, string(debit.Type), debit.Description, debit.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert debit: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO redemptions (id, user_id, reward_tier_id, code, selections, points_required, redeemed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		red.ID, red.UserID, red.RewardTierID, red.Code, red.Selections, red.PointsRequired, red.RedeemedAt, red.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrCodeCollision, red.Code)
		}
		return fmt.Errorf("insert redemption: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetRedemptionByCode возвращает обмен по коду погашения.
func (r *PostgresRepository) GetRedemptionByCode(ctx context.Context, code string) (*model.Redemption, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, reward_tier_id, code, selections, points_required,
		        redeemed_at, expires_at, is_used, is_expired, refunded, used_at, consumed_by
		 FROM redemptions WHERE code = $1`,
		code,
	)

	red, err := scanRedemption(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionNotFound
		}
		return nil, fmt.Errorf("get redemption: %w", err)
	}

	return red, nil
}

// MarkConsumed выполняет условное обновление состояния обмена: запись
// помечается использованной, только если она ещё не использована и не
// просрочена. Возвращает true, если обновление выполнил именно этот вызов.
func (r *PostgresRepository) MarkConsumed(ctx context.Context, code, staffID string, now time.Time) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE redemptions
		 SET is_used = TRUE, used_at = $3, consumed_by = $2
		 WHERE code = $1 AND NOT is_used AND NOT is_expired AND expires_at > $3`,
		code, staffID, now,
	)
	if err != nil {
		return false, fmt.Errorf("mark consumed: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// RefundRedemption выполняет идемпотентный возврат баллов за обмен.
// Флаг refunded выставляется условным обновлением; запись о возврате
// добавляется в журнал в той же транзакции и только если флаг выставил
// именно этот вызов. Повторные вызовы журнал не трогают. Погашенный
// обмен возврату не подлежит и даёт ErrRedemptionConsumed: условие
// NOT is_used сериализуется с погашением на блокировке строки.
func (r *PostgresRepository) RefundRedemption(ctx context.Context, redemptionID, creditID string) (*model.RefundResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		userID string
		points int64
	)
	err = tx.QueryRow(ctx,
		`UPDATE redemptions
		 SET refunded = TRUE, is_expired = TRUE
		 WHERE id = $1 AND NOT refunded AND NOT is_used
		 RETURNING user_id, points_required`,
		redemptionID,
	).Scan(&userID, &points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.alreadyRefunded(ctx, tx, redemptionID)
		}
		return nil, fmt.Errorf("mark refunded: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO points_transactions (id, user_id, amount, type, description, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		creditID, userID, points, string(model.TransactionRefunded),
		"refund for expired redemption",
		map[string]string{"redemption_id": redemptionID},
	)
	if err != nil {
		return nil, fmt.Errorf("insert refund: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM points_transactions WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("sum transactions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &model.RefundResult{
		PointsRefunded: points,
		NewBalance:     balance,
	}, nil
}

func (r *PostgresRepository) alreadyRefunded(ctx context.Context, tx pgx.Tx, redemptionID string) (*model.RefundResult, error) {
	var (
		userID   string
		isUsed   bool
		refunded bool
	)
	err := tx.QueryRow(ctx,
		`SELECT user_id, is_used, refunded FROM redemptions WHERE id = $1`,
		redemptionID,
	).Scan(&userID, &isUsed, &refunded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionNotFound
		}
		return nil, fmt.Errorf("select redemption: %w", err)
	}

	if isUsed && !refunded {
		return nil, ErrRedemptionConsumed
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM points_transactions WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("sum transactions: %w", err)
	}

	return &model.RefundResult{
		AlreadyRefunded: true,
		NewBalance:      balance,
	}, nil
}

// ActiveRedemptionsByUser возвращает непогашенные и непросроченные обмены
// пользователя, новые первыми. Записи с прошедшим expires_at, ещё не
// помеченные просроченными, попадают в выборку: ленивую очистку выполняет
// вызывающая сторона.
func (r *PostgresRepository) ActiveRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, reward_tier_id, code, selections, points_required,
		        redeemed_at, expires_at, is_used, is_expired, refunded, used_at, consumed_by
		 FROM redemptions
		 WHERE user_id = $1 AND NOT is_used AND NOT is_expired
		 ORDER BY redeemed_at DESC, code`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select active redemptions: %w", err)
	}
	defer rows.Close()

	return collectRedemptions(rows)
}

// ListExpiredUnrefunded возвращает обмены с прошедшим сроком действия,
// по которым ещё не было ни погашения, ни возврата.
func (r *PostgresRepository) ListExpiredUnrefunded(ctx context.Context, now time.Time, limit int) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, reward_tier_id, code, selections, points_required,
		        redeemed_at, expires_at, is_used, is_expired, refunded, used_at, consumed_by
		 FROM redemptions
		 WHERE expires_at <= $1 AND NOT is_used AND NOT refunded
		 ORDER BY expires_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired redemptions: %w", err)
	}
	defer rows.Close()

	return collectRedemptions(rows)
}

func scanRedemption(row pgx.Row) (*model.Redemption, error) {
	var red model.Redemption
	err := row.Scan(
		&red.ID, &red.UserID, &red.RewardTierID, &red.Code, &red.Selections,
		&red.PointsRequired, &red.RedeemedAt, &red.ExpiresAt,
		&red.IsUsed, &red.IsExpired, &red.Refunded, &red.UsedAt, &red.ConsumedBy,
	)
	if err != nil {
		return nil, err
	}
	return &red, nil
}

func collectRedemptions(rows pgx.Rows) ([]model.Redemption, error) {
	var res []model.Redemption
	for rows.Next() {
		red, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		res = append(res, *red)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
