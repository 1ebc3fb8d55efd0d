package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/daiski/backend/internal/logger"
	"github.com/daiski/backend/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const groupCols = `id, title, COALESCE(description,''), max_people, start_at, created_by, created_at`

type GroupRepository struct {
	pool *pgxpool.Pool
}

func NewGroupRepository(pool *pgxpool.Pool) *GroupRepository {
	return &GroupRepository{pool: pool}
}

func scanGroup(s interface{ Scan(dest ...any) error }, g *model.Group) error {
	return s.Scan(&g.ID, &g.Title, &g.Description, &g.MaxPeople, &g.StartAt, &g.CreatedBy, &g.CreatedAt)
}

func (r *GroupRepository) Create(ctx context.Context, g *model.Group) error {
	defer logger.DeferLogDuration("group.Create", time.Now())()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO ski_groups (title, description, max_people, start_at, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		g.Title, g.Description, g.MaxPeople, g.StartAt, g.CreatedBy, g.CreatedAt,
	).Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("groupRepo.Create: %w", err)
	}
	return nil
}

func (r *GroupRepository) GetByID(ctx context.Context, id int64) (*model.Group, error) {
	defer logger.DeferLogDuration("group.GetByID", time.Now())()
	g := &model.Group{}
	row := r.pool.QueryRow(ctx, `SELECT `+groupCols+` FROM ski_groups WHERE id = $1`, id)
	if err := scanGroup(row, g); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("groupRepo.GetByID: %w", err)
	}
	return g, nil
}

// Resolve reports whether the group exists without loading it.
func (r *GroupRepository) Resolve(ctx context.Context, id int64) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ski_groups WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("groupRepo.Resolve: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (r *GroupRepository) List(ctx context.Context, limit, offset int) ([]model.Group, error) {
	defer logger.DeferLogDuration("group.List", time.Now())()
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+groupCols+` FROM ski_groups ORDER BY start_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("groupRepo.List query: %w", err)
	}
	defer rows.Close()

	groups := make([]model.Group, 0, limit)
	for rows.Next() {
		var g model.Group
		if err := scanGroup(rows, &g); err != nil {
			return nil, fmt.Errorf("groupRepo.List scan: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("groupRepo.List rows: %w", err)
	}
	return groups, nil
}

// GetMember returns the membership row, or ErrNotFound if the user never
// signed up for the group.
func (r *GroupRepository) GetMember(ctx context.Context, groupID int64, userID string) (*model.GroupMember, error) {
	defer logger.DeferLogDuration("group.GetMember", time.Now())()
	m := &model.GroupMember{}
	err := r.pool.QueryRow(ctx,
		`SELECT group_id, user_id, paid_at, joined_at
		 FROM group_members WHERE group_id = $1 AND user_id = $2`,
		groupID, userID,
	).Scan(&m.GroupID, &m.UserID, &m.PaidAt, &m.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetMember: %w", err)
	}
	return m, nil
}

func (r *GroupRepository) AddMember(ctx context.Context, m *model.GroupMember) error {
	defer logger.DeferLogDuration("group.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO group_members (group_id, user_id, paid_at, joined_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		m.GroupID, m.UserID, m.PaidAt, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("groupRepo.AddMember: %w", err)
	}
	return nil
}

// MarkPaid records payment completion for one membership.
func (r *GroupRepository) MarkPaid(ctx context.Context, groupID int64, userID string, at time.Time) error {
	defer logger.DeferLogDuration("group.MarkPaid", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE group_members SET paid_at = $1 WHERE group_id = $2 AND user_id = $3 AND paid_at IS NULL`,
		at, groupID, userID,
	)
	if err != nil {
		return fmt.Errorf("groupRepo.MarkPaid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either not a member or already paid; callers distinguish via GetMember.
		return nil
	}
	return nil
}

func (r *GroupRepository) GetMembers(ctx context.Context, groupID int64) ([]model.User, error) {
	defer logger.DeferLogDuration("group.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.email, u.password_hash, COALESCE(u.avatar_url,''), u.created_at
		 FROM users u
		 JOIN group_members gm ON gm.user_id = u.id
		 WHERE gm.group_id = $1
		 ORDER BY gm.joined_at`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, 8)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("groupRepo.GetMembers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("groupRepo.GetMembers rows: %w", err)
	}
	return users, nil
}

// GetMemberIDs returns user ids of every member of the group, paid or not.
func (r *GroupRepository) GetMemberIDs(ctx context.Context, groupID int64) ([]string, error) {
	defer logger.DeferLogDuration("group.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM group_members WHERE group_id = $1`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("groupRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("groupRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}
