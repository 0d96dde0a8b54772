package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rbs.io/buffer/internal/domain"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore is the PostgreSQL-backed Durable Store. Every state
// transition is a single conditional statement, so concurrent service
// instances never observe a half-applied change.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on the shared pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ---------------------------------------------------------------------------
// Pools
// ---------------------------------------------------------------------------

const poolColumns = `id, size, status, resource_type, resource_config, cleanup_policy, created_at`

func scanPool(row pgx.Row) (*domain.Pool, error) {
	var (
		p             domain.Pool
		configJSON    []byte
		cleanupJSON   []byte
		status, rtype string
	)
	if err := row.Scan(&p.ID, &p.Size, &status, &rtype, &configJSON, &cleanupJSON, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Status = domain.PoolStatus(status)
	p.ResourceType = domain.ResourceType(rtype)
	if err := json.Unmarshal(configJSON, &p.ResourceConfig); err != nil {
		return nil, fmt.Errorf("decode resource config of pool %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(cleanupJSON, &p.Cleanup); err != nil {
		return nil, fmt.Errorf("decode cleanup policy of pool %s: %w", p.ID, err)
	}
	return &p, nil
}

// InsertPool creates a pool. Returns ErrConflict if the id exists.
func (s *PostgresStore) InsertPool(ctx context.Context, pool *domain.Pool) error {
	configJSON, err := json.Marshal(pool.ResourceConfig)
	if err != nil {
		return fmt.Errorf("encode resource config: %w", err)
	}
	cleanupJSON, err := json.Marshal(pool.Cleanup)
	if err != nil {
		return fmt.Errorf("encode cleanup policy: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO pool (id, size, status, resource_type, resource_config, cleanup_policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO NOTHING`,
		pool.ID, pool.Size, string(pool.Status), string(pool.ResourceType), configJSON, cleanupJSON,
	)
	if err != nil {
		return fmt.Errorf("insert pool %s: %w", pool.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert pool %s: %w", pool.ID, ErrConflict)
	}
	return nil
}

// GetPool returns a pool by id.
func (s *PostgresStore) GetPool(ctx context.Context, id string) (*domain.Pool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pool WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get pool %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

// ListPools returns all pools ordered by id.
func (s *PostgresStore) ListPools(ctx context.Context) ([]*domain.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pool ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []*domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// UpdatePoolSize resizes a pool.
func (s *PostgresStore) UpdatePoolSize(ctx context.Context, id string, size int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE pool SET size = $2 WHERE id = $1`, id, size)
	if err != nil {
		return fmt.Errorf("resize pool %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resize pool %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdatePoolCleanup replaces the cleanup policy of a pool.
func (s *PostgresStore) UpdatePoolCleanup(ctx context.Context, id string, policy domain.CleanupPolicy) error {
	cleanupJSON, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode cleanup policy: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE pool SET cleanup_policy = $2 WHERE id = $1`, id, cleanupJSON)
	if err != nil {
		return fmt.Errorf("update cleanup policy of pool %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update cleanup policy of pool %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeactivatePool moves a pool to DEACTIVATED. Repeating it is a no-op.
func (s *PostgresStore) DeactivatePool(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE pool SET status = 'DEACTIVATED' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate pool %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deactivate pool %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Resources
// ---------------------------------------------------------------------------

const resourceColumns = `id, pool_id, state, COALESCE(cloud_name, ''), COALESCE(cloud_resource_id, ''),
	COALESCE(request_handout_id, ''), created_at, state_updated_at, handed_out_at`

func scanResource(row pgx.Row) (*domain.Resource, error) {
	var (
		r     domain.Resource
		state string
	)
	if err := row.Scan(&r.ID, &r.PoolID, &state, &r.CloudName, &r.CloudResourceID,
		&r.RequestHandoutID, &r.CreatedAt, &r.StateUpdatedAt, &r.HandedOutAt); err != nil {
		return nil, err
	}
	r.State = domain.ResourceState(state)
	return &r, nil
}

func collectResources(rows pgx.Rows) ([]*domain.Resource, error) {
	defer rows.Close()
	var out []*domain.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertResource inserts a resource row. Returns false if the id exists.
func (s *PostgresStore) InsertResource(ctx context.Context, r *domain.Resource) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO resource (id, pool_id, state, created_at, state_updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.PoolID, string(r.State),
	)
	if err != nil {
		return false, fmt.Errorf("insert resource %s: %w", r.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetResource returns a resource by id.
func (s *PostgresStore) GetResource(ctx context.Context, id string) (*domain.Resource, error) {
	r, err := scanResource(s.pool.QueryRow(ctx, `SELECT `+resourceColumns+` FROM resource WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get resource %s: %w", id, err)
	}
	return r, nil
}

// TransitionResource moves a resource from one state to another if and only
// if it is currently in from. Returns false when the row is not in from.
func (s *PostgresStore) TransitionResource(ctx context.Context, id string, from, to domain.ResourceState) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("transition resource %s: illegal edge %s -> %s", id, from, to)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE resource SET state = $3, state_updated_at = now()
		WHERE id = $1 AND state = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("transition resource %s %s -> %s: %w", id, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetCloudName records the generated provider name. It is write-once.
func (s *PostgresStore) SetCloudName(ctx context.Context, id, name string) error {
	var current string
	err := s.pool.QueryRow(ctx, `
		UPDATE resource SET cloud_name = COALESCE(cloud_name, $2)
		WHERE id = $1
		RETURNING cloud_name`,
		id, name,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("set cloud name of resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set cloud name of resource %s: %w", id, err)
	}
	if current != name {
		return fmt.Errorf("set cloud name of resource %s: already %q: %w", id, current, ErrConflict)
	}
	return nil
}

// MarkResourceReady moves a CREATING resource to READY and records its
// cloud handle.
func (s *PostgresStore) MarkResourceReady(ctx context.Context, id, cloudResourceID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE resource
		SET state = 'READY', cloud_resource_id = $2, state_updated_at = now()
		WHERE id = $1 AND state = 'CREATING'
		  AND (cloud_resource_id IS NULL OR cloud_resource_id = $2)`,
		id, cloudResourceID,
	)
	if err != nil {
		return false, fmt.Errorf("mark resource %s ready: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindByHandoutID returns the resource already handed out for this request.
func (s *PostgresStore) FindByHandoutID(ctx context.Context, poolID, requestHandoutID string) (*domain.Resource, error) {
	r, err := scanResource(s.pool.QueryRow(ctx, `
		SELECT `+resourceColumns+` FROM resource
		WHERE pool_id = $1 AND request_handout_id = $2`,
		poolID, requestHandoutID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("find handout %s/%s: %w", poolID, requestHandoutID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find handout %s/%s: %w", poolID, requestHandoutID, err)
	}
	return r, nil
}

// ClaimReadyResource atomically picks one READY resource of the pool, marks
// it HANDED_OUT and stamps the request id. Concurrent claims skip rows locked
// by each other, so no resource is handed out twice. A concurrent claim with
// the same request id loses on the unique index and gets ErrConflict.
func (s *PostgresStore) ClaimReadyResource(ctx context.Context, poolID, requestHandoutID string) (*domain.Resource, error) {
	r, err := scanResource(s.pool.QueryRow(ctx, `
		UPDATE resource
		SET state = 'HANDED_OUT', request_handout_id = $2,
		    handed_out_at = now(), state_updated_at = now()
		WHERE state = 'READY' AND id = (
			SELECT id FROM resource
			WHERE pool_id = $1 AND state = 'READY'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+resourceColumns,
		poolID, requestHandoutID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoReadyResource
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, fmt.Errorf("claim resource in pool %s for %s: %w", poolID, requestHandoutID, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("claim resource in pool %s: %w", poolID, err)
	}
	return r, nil
}

// ListDrainable returns READY resources of the pool that no RUNNING delete
// flight is already working on, oldest first.
func (s *PostgresStore) ListDrainable(ctx context.Context, poolID string, limit int) ([]*domain.Resource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+resourceColumns+` FROM resource r
		WHERE r.pool_id = $1 AND r.state = 'READY'
		  AND NOT EXISTS (
			SELECT 1 FROM flight f
			WHERE f.resource_id = r.id AND f.flight_type = $3 AND f.status = 'RUNNING'
		  )
		ORDER BY r.created_at, r.id
		LIMIT $2`,
		poolID, limit, domain.FlightTypeDeleteResource,
	)
	if err != nil {
		return nil, fmt.Errorf("list drainable resources of pool %s: %w", poolID, err)
	}
	return collectResources(rows)
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// snapshotQuery reads every pool's state counts, pending supply and the
// global in-flight totals in one statement so a pass sees one consistent view.
const snapshotQuery = `
WITH counts AS (
	SELECT pool_id, state, count(*) AS n
	FROM resource
	GROUP BY pool_id, state
), pending_creates AS (
	SELECT f.pool_id, count(*) AS n
	FROM flight f
	WHERE f.status = 'RUNNING' AND f.flight_type = $2
	  AND NOT EXISTS (SELECT 1 FROM resource r WHERE r.id = f.resource_id)
	GROUP BY f.pool_id
), pending_deletes AS (
	SELECT r.pool_id, count(*) AS n
	FROM resource r
	JOIN flight f ON f.resource_id = r.id
	WHERE r.state = 'READY' AND f.status = 'RUNNING' AND f.flight_type = $3
	GROUP BY r.pool_id
)
SELECT p.id, p.size, p.status, p.resource_type, p.resource_config, p.cleanup_policy, p.created_at,
	COALESCE(jsonb_object_agg(c.state, c.n) FILTER (WHERE c.state IS NOT NULL), '{}'::jsonb),
	COALESCE(max(pc.n), 0),
	COALESCE(max(pd.n), 0),
	(SELECT count(*) FROM flight WHERE status = 'RUNNING' AND flight_type = $2),
	(SELECT count(*) FROM flight WHERE status = 'RUNNING' AND flight_type = $3)
FROM pool p
LEFT JOIN counts c ON c.pool_id = p.id
LEFT JOIN pending_creates pc ON pc.pool_id = p.id
LEFT JOIN pending_deletes pd ON pd.pool_id = p.id
WHERE $1::text IS NULL OR p.id = $1
GROUP BY p.id
ORDER BY p.id`

func (s *PostgresStore) snapshot(ctx context.Context, poolID *string) (*domain.ReconcileSnapshot, error) {
	rows, err := s.pool.Query(ctx, snapshotQuery, poolID,
		domain.FlightTypeCreateResource, domain.FlightTypeDeleteResource)
	if err != nil {
		return nil, fmt.Errorf("query pool snapshot: %w", err)
	}
	defer rows.Close()

	snap := &domain.ReconcileSnapshot{}
	for rows.Next() {
		var (
			p                       domain.Pool
			status, rtype           string
			configJSON, cleanupJSON []byte
			countsJSON              []byte
			pendingCreates          int
			pendingDeletes          int
			inFlightCreates         int
			inFlightDeletes         int
		)
		if err := rows.Scan(&p.ID, &p.Size, &status, &rtype, &configJSON, &cleanupJSON, &p.CreatedAt,
			&countsJSON, &pendingCreates, &pendingDeletes, &inFlightCreates, &inFlightDeletes); err != nil {
			return nil, fmt.Errorf("scan pool snapshot: %w", err)
		}
		p.Status = domain.PoolStatus(status)
		p.ResourceType = domain.ResourceType(rtype)
		if err := json.Unmarshal(configJSON, &p.ResourceConfig); err != nil {
			return nil, fmt.Errorf("decode resource config of pool %s: %w", p.ID, err)
		}
		if err := json.Unmarshal(cleanupJSON, &p.Cleanup); err != nil {
			return nil, fmt.Errorf("decode cleanup policy of pool %s: %w", p.ID, err)
		}
		counts := map[domain.ResourceState]int{}
		if err := json.Unmarshal(countsJSON, &counts); err != nil {
			return nil, fmt.Errorf("decode state counts of pool %s: %w", p.ID, err)
		}
		snap.Pools = append(snap.Pools, domain.PoolAndResourceStates{
			Pool:           p,
			Counts:         counts,
			PendingCreates: pendingCreates,
			PendingDeletes: pendingDeletes,
		})
		snap.InFlightCreates = inFlightCreates
		snap.InFlightDeletes = inFlightDeletes
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool snapshot: %w", err)
	}
	return snap, nil
}

// PoolStates returns the count-by-state snapshot of one pool.
func (s *PostgresStore) PoolStates(ctx context.Context, poolID string) (*domain.PoolAndResourceStates, error) {
	snap, err := s.snapshot(ctx, &poolID)
	if err != nil {
		return nil, err
	}
	if len(snap.Pools) == 0 {
		return nil, fmt.Errorf("pool states %s: %w", poolID, ErrNotFound)
	}
	return &snap.Pools[0], nil
}

// ReconcileSnapshot returns every pool's snapshot plus in-flight totals.
func (s *PostgresStore) ReconcileSnapshot(ctx context.Context) (*domain.ReconcileSnapshot, error) {
	return s.snapshot(ctx, nil)
}

// ---------------------------------------------------------------------------
// Cleanup
// ---------------------------------------------------------------------------

// ListCleanupCandidates returns resources that left the pool and have no
// cleanup record yet: every HANDED_OUT resource, and for auto-delete pools
// also DELETED resources that were never handed out but got a cloud name.
func (s *PostgresStore) ListCleanupCandidates(ctx context.Context, limit int) ([]domain.CleanupCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.pool_id, r.state, COALESCE(r.cloud_name, ''), COALESCE(r.cloud_resource_id, ''),
			COALESCE(r.request_handout_id, ''), r.created_at, r.state_updated_at, r.handed_out_at,
			p.cleanup_policy
		FROM resource r
		JOIN pool p ON p.id = r.pool_id
		LEFT JOIN cleanup_record c ON c.resource_id = r.id
		WHERE c.resource_id IS NULL
		  AND (
			r.state = 'HANDED_OUT'
			OR (
				COALESCE((p.cleanup_policy->>'auto_delete')::boolean, false)
				AND r.state = 'DELETED'
				AND r.request_handout_id IS NULL
				AND r.cloud_name IS NOT NULL
			)
		  )
		ORDER BY r.state_updated_at, r.id
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list cleanup candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.CleanupCandidate
	for rows.Next() {
		var (
			c          domain.CleanupCandidate
			state      string
			policyJSON []byte
		)
		r := &c.Resource
		if err := rows.Scan(&r.ID, &r.PoolID, &state, &r.CloudName, &r.CloudResourceID,
			&r.RequestHandoutID, &r.CreatedAt, &r.StateUpdatedAt, &r.HandedOutAt, &policyJSON); err != nil {
			return nil, fmt.Errorf("scan cleanup candidate: %w", err)
		}
		r.State = domain.ResourceState(state)
		if err := json.Unmarshal(policyJSON, &c.Policy); err != nil {
			return nil, fmt.Errorf("decode cleanup policy of pool %s: %w", r.PoolID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertCleanupRecord records that a cleanup request was published. A second
// insert for the same resource is a no-op.
func (s *PostgresStore) InsertCleanupRecord(ctx context.Context, rec domain.CleanupRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cleanup_record (resource_id, scheduled_at)
		VALUES ($1, $2)
		ON CONFLICT (resource_id) DO NOTHING`,
		rec.ResourceID, rec.ScheduledAt,
	)
	if err != nil {
		return fmt.Errorf("insert cleanup record %s: %w", rec.ResourceID, err)
	}
	return nil
}

// DeleteExpiredResources purges up to limit DELETED or notified HANDED_OUT
// rows whose last transition is older than olderThan. Rows referenced by a
// RUNNING flight are never touched. Cleanup records cascade.
func (s *PostgresStore) DeleteExpiredResources(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM resource WHERE id IN (
			SELECT r.id FROM resource r
			WHERE r.state IN ('DELETED', 'HANDED_OUT')
			  AND r.state_updated_at < $1
			  AND (r.state = 'DELETED' OR EXISTS (SELECT 1 FROM cleanup_record c WHERE c.resource_id = r.id))
			  AND NOT EXISTS (SELECT 1 FROM flight f WHERE f.resource_id = r.id AND f.status = 'RUNNING')
			ORDER BY r.state_updated_at
			LIMIT $2
			FOR UPDATE OF r SKIP LOCKED
		)`,
		olderThan, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired resources: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ---------------------------------------------------------------------------
// Flights
// ---------------------------------------------------------------------------

const flightColumns = `id, flight_type, input, working, result, status, direction, step_cursor,
	failed_step, worker_id, error_message, undo_errors, submitted_at, updated_at, completed_at`

func scanFlight(row pgx.Row) (*domain.Flight, error) {
	var (
		f                      domain.Flight
		inputJSON, workingJSON []byte
		resultJSON, undoJSON   []byte
		status, direction      string
	)
	if err := row.Scan(&f.ID, &f.Type, &inputJSON, &workingJSON, &resultJSON, &status, &direction,
		&f.StepCursor, &f.FailedStep, &f.WorkerID, &f.ErrorMessage, &undoJSON,
		&f.SubmittedAt, &f.UpdatedAt, &f.CompletedAt); err != nil {
		return nil, err
	}
	f.Status = domain.FlightStatus(status)
	f.Direction = domain.FlightDirection(direction)
	for _, part := range []struct {
		raw []byte
		dst any
	}{
		{inputJSON, &f.Input},
		{workingJSON, &f.Working},
		{resultJSON, &f.Result},
		{undoJSON, &f.UndoErrors},
	} {
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return nil, fmt.Errorf("decode flight %s: %w", f.ID, err)
		}
	}
	return &f, nil
}

// CreateFlight registers a RUNNING flight at cursor 0. If the id exists the
// stored flight is returned with created=false; comparing the submission is
// left to the caller.
func (s *PostgresStore) CreateFlight(ctx context.Context, f *domain.Flight) (*domain.Flight, bool, error) {
	inputJSON, err := json.Marshal(f.Input)
	if err != nil {
		return nil, false, fmt.Errorf("encode flight input: %w", err)
	}
	workingJSON, err := json.Marshal(f.Working)
	if err != nil {
		return nil, false, fmt.Errorf("encode flight working map: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO flight (id, flight_type, input, working, status, direction, step_cursor,
			failed_step, worker_id, pool_id, resource_id, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, 'RUNNING', 'DO', 0, -1, $5, $6, $7, now(), now())
		ON CONFLICT (id) DO NOTHING`,
		f.ID, f.Type, inputJSON, workingJSON, f.WorkerID, f.PoolID(), f.ResourceID(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert flight %s: %w", f.ID, err)
	}

	stored, err := s.GetFlight(ctx, f.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// GetFlight returns a flight by id.
func (s *PostgresStore) GetFlight(ctx context.Context, id string) (*domain.Flight, error) {
	f, err := scanFlight(s.pool.QueryRow(ctx, `SELECT `+flightColumns+` FROM flight WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get flight %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get flight %s: %w", id, err)
	}
	return f, nil
}

// SaveFlightProgress persists the cursor, direction, working map and, when
// terminal, the outcome. The write is fenced on ownership: it only applies
// while f.WorkerID still owns the RUNNING flight. Returns false when the
// fence rejected the write.
func (s *PostgresStore) SaveFlightProgress(ctx context.Context, f *domain.Flight) (bool, error) {
	workingJSON, err := json.Marshal(f.Working)
	if err != nil {
		return false, fmt.Errorf("encode flight working map: %w", err)
	}
	resultJSON, err := json.Marshal(f.Result)
	if err != nil {
		return false, fmt.Errorf("encode flight result: %w", err)
	}
	undoJSON, err := json.Marshal(f.UndoErrors)
	if err != nil {
		return false, fmt.Errorf("encode flight undo errors: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE flight
		SET working = $3, result = $4, status = $5, direction = $6, step_cursor = $7,
		    failed_step = $8, error_message = $9, undo_errors = $10, updated_at = now(),
		    completed_at = CASE WHEN $5 = 'RUNNING' THEN NULL ELSE now() END
		WHERE id = $1 AND worker_id = $2 AND status = 'RUNNING'`,
		f.ID, f.WorkerID, workingJSON, resultJSON, string(f.Status), string(f.Direction),
		f.StepCursor, f.FailedStep, f.ErrorMessage, undoJSON,
	)
	if err != nil {
		return false, fmt.Errorf("save flight %s progress: %w", f.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimFlight hands a RUNNING flight to workerID if previousOwner still
// holds it. Two recovering workers racing for one orphan cannot both win.
func (s *PostgresStore) ClaimFlight(ctx context.Context, id, workerID, previousOwner string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flight SET worker_id = $2, updated_at = now()
		WHERE id = $1 AND worker_id = $3 AND status = 'RUNNING'`,
		id, workerID, previousOwner,
	)
	if err != nil {
		return false, fmt.Errorf("claim flight %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRunningFlights returns the owner of every RUNNING flight.
func (s *PostgresStore) ListRunningFlights(ctx context.Context) ([]domain.FlightOwner, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, worker_id FROM flight WHERE status = 'RUNNING' ORDER BY submitted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list running flights: %w", err)
	}
	defer rows.Close()

	var out []domain.FlightOwner
	for rows.Next() {
		var o domain.FlightOwner
		if err := rows.Scan(&o.FlightID, &o.WorkerID); err != nil {
			return nil, fmt.Errorf("scan running flight: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Coordination
// ---------------------------------------------------------------------------

// Heartbeat records that workerID is alive now.
func (s *PostgresStore) Heartbeat(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_heartbeat (worker_id, last_seen) VALUES ($1, now())
		ON CONFLICT (worker_id) DO UPDATE SET last_seen = EXCLUDED.last_seen`,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", workerID, err)
	}
	return nil
}

// RemoveHeartbeat drops the worker's membership row.
func (s *PostgresStore) RemoveHeartbeat(ctx context.Context, workerID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM worker_heartbeat WHERE worker_id = $1`, workerID); err != nil {
		return fmt.Errorf("remove heartbeat %s: %w", workerID, err)
	}
	return nil
}

// LiveWorkers returns workers whose heartbeat is younger than ttl.
func (s *PostgresStore) LiveWorkers(ctx context.Context, ttl time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id FROM worker_heartbeat
		WHERE last_seen > now() - ($1::bigint * interval '1 millisecond')`,
		ttl.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("list live workers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan live worker: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// TryAcquireLock takes the named lock for up to maxHold unless another
// holder's lease is still valid.
func (s *PostgresStore) TryAcquireLock(ctx context.Context, name, holder string, maxHold time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_lock (name, holder, locked_at, expires_at)
		VALUES ($1, $2, now(), now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, locked_at = EXCLUDED.locked_at, expires_at = EXCLUDED.expires_at
		WHERE job_lock.expires_at <= now()`,
		name, holder, maxHold.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLock shortens the holder's lease to max(now, lockedAt+minHold), so
// a job that finishes early still blocks peers for the rest of its interval.
func (s *PostgresStore) ReleaseLock(ctx context.Context, name, holder string, minHold time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_lock
		SET expires_at = GREATEST(now(), locked_at + ($3::bigint * interval '1 millisecond'))
		WHERE name = $1 AND holder = $2`,
		name, holder, minHold.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}
