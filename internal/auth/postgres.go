package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"gatekit.org/internal/ids"
)

const pgErrUniqueViolation = "23505"

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL via database/sql.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore { return &pgUserStore{db: s.db} }
func (s *PGStore) Roles(context.Context) RoleStore { return &pgRoleStore{db: s.db} }
func (s *PGStore) Permissions(context.Context) PermissionStore {
	return &pgPermissionStore{db: s.db}
}
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore {
	return &pgRefreshTokenStore{db: s.db}
}

// User store ---------------------------------------------------------------
type pgUserStore struct{ db *sql.DB }

const userColumns = `id, email, phone, first_name, last_name, avatar_url, password_hash,
	is_active, email_verified, phone_verified, created_at, updated_at`

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, phone, first_name, last_name, avatar_url, password_hash,
			is_active, email_verified, phone_verified)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		u.ID, u.Email, u.Phone, u.FirstName, u.LastName, u.AvatarURL, u.PasswordHash,
		u.Active, u.EmailVerified, u.PhoneVerified,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgUserStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *pgUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email)
	return scanUser(row)
}

func (s *pgUserStore) Update(ctx context.Context, userID string, upd UserUpdate) (*User, error) {
	set := []string{"updated_at = now()"}
	args := []any{userID}
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.FirstName != nil {
		add("first_name", *upd.FirstName)
	}
	if upd.LastName != nil {
		add("last_name", *upd.LastName)
	}
	if upd.Phone != nil {
		add("phone", *upd.Phone)
	}
	if upd.AvatarURL != nil {
		add("avatar_url", *upd.AvatarURL)
	}
	if upd.Active != nil {
		add("is_active", *upd.Active)
	}
	if upd.EmailVerified != nil {
		add("email_verified", *upd.EmailVerified)
	}
	if upd.PhoneVerified != nil {
		add("phone_verified", *upd.PhoneVerified)
	}
	row := s.db.QueryRowContext(ctx,
		`update users set `+strings.Join(set, ", ")+` where id=$1 returning `+userColumns, args...)
	return scanUser(row)
}

func (s *pgUserStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, userID, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Phone, &u.FirstName, &u.LastName, &u.AvatarURL,
		&u.PasswordHash, &u.Active, &u.EmailVerified, &u.PhoneVerified, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Role store ---------------------------------------------------------------
type pgRoleStore struct{ db *sql.DB }

func (s *pgRoleStore) Create(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into roles(id, name, is_active) values($1,$2,$3)`,
		role.ID, role.Name, role.Active,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgRoleStore) Find(ctx context.Context, id string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, is_active, created_at, updated_at from roles where id=$1`, id)
	return scanRole(row)
}

func (s *pgRoleStore) FindByName(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, is_active, created_at, updated_at from roles where name=$1`, name)
	return scanRole(row)
}

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Active, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *pgRoleStore) SetActive(ctx context.Context, roleID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update roles set is_active=$2, updated_at=now() where id=$1`, roleID, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgRoleStore) Grant(ctx context.Context, grant UserRole) error {
	_, err := s.db.ExecContext(ctx,
		`insert into user_roles(user_id, role_id, is_active) values($1,$2,$3)
		 on conflict (user_id, role_id) do update set is_active = excluded.is_active`,
		grant.UserID, grant.RoleID, grant.Active,
	)
	return err
}

func (s *pgRoleStore) SetGrantActive(ctx context.Context, userID, roleID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update user_roles set is_active=$3 where user_id=$1 and role_id=$2`,
		userID, roleID, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgRoleStore) ActiveRolesForUser(ctx context.Context, userID string) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select r.id, r.name, r.is_active, r.created_at, r.updated_at
		 from roles r
		 join user_roles ur on ur.role_id = r.id
		 where ur.user_id=$1 and ur.is_active and r.is_active
		 order by r.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Active, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *pgRoleStore) UsersForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select user_id from user_roles where role_id=$1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

// Permission store ---------------------------------------------------------
type pgPermissionStore struct{ db *sql.DB }

func (s *pgPermissionStore) Ensure(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		_, err := s.db.ExecContext(ctx,
			`insert into permissions(id, name, description, is_active) values($1,$2,$3,$4)
			 on conflict (name) do nothing`,
			p.ID, p.Name, p.Description, p.Active,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *pgPermissionStore) FindByName(ctx context.Context, name string) (*Permission, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, description, is_active, created_at from permissions where name=$1`, name)
	var p Permission
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *pgPermissionStore) SetActive(ctx context.Context, permissionID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update permissions set is_active=$2 where id=$1`, permissionID, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgPermissionStore) Link(ctx context.Context, link RolePermission) error {
	_, err := s.db.ExecContext(ctx,
		`insert into role_permissions(role_id, permission_id, is_active) values($1,$2,$3)
		 on conflict (role_id, permission_id) do update set is_active = excluded.is_active`,
		link.RoleID, link.PermissionID, link.Active,
	)
	return err
}

func (s *pgPermissionStore) SetLinkActive(ctx context.Context, roleID, permissionID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update role_permissions set is_active=$3 where role_id=$1 and permission_id=$2`,
		roleID, permissionID, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgPermissionStore) ActivePermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select p.id, p.name, p.description, p.is_active, p.created_at
		 from permissions p
		 join role_permissions rp on rp.permission_id = p.id
		 where rp.role_id=$1 and rp.is_active and p.is_active
		 order by p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *pgPermissionStore) RolesForPermission(ctx context.Context, permissionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select role_id from role_permissions where permission_id=$1`, permissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roleIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		roleIDs = append(roleIDs, id)
	}
	return roleIDs, rows.Err()
}

// Refresh token store -------------------------------------------------------
type pgRefreshTokenStore struct{ db *sql.DB }

func (s *pgRefreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, lineage_id, token_hash, issued_at, expires_at, revoked, replaced_by)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		tok.ID, tok.UserID, tok.LineageID, tok.TokenHash, tok.IssuedAt, tok.ExpiresAt, tok.Revoked, tok.ReplacedBy,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgRefreshTokenStore) Find(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, lineage_id, token_hash, issued_at, expires_at, revoked, replaced_by
		 from refresh_tokens where id=$1`, id)
	var tok RefreshToken
	err := row.Scan(&tok.ID, &tok.UserID, &tok.LineageID, &tok.TokenHash,
		&tok.IssuedAt, &tok.ExpiresAt, &tok.Revoked, &tok.ReplacedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// Rotate is the compare-and-swap that makes refresh one-shot: the predicate
// "not revoked" guarantees at most one concurrent caller updates the row.
// The successor insert runs in the same transaction, so a lineage revocation
// committed in between rolls the whole rotation back rather than leaving the
// successor alive outside the revoked set.
func (s *pgRefreshTokenStore) Rotate(ctx context.Context, id string, next *RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update refresh_tokens set revoked=true, replaced_by=$2 where id=$1 and not revoked`,
		id, next.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	_, err = tx.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, lineage_id, token_hash, issued_at, expires_at, revoked, replaced_by)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		next.ID, next.UserID, next.LineageID, next.TokenHash, next.IssuedAt, next.ExpiresAt, next.Revoked, next.ReplacedBy,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgRefreshTokenStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where id=$1`, id)
	return err
}

func (s *pgRefreshTokenStore) RevokeLineage(ctx context.Context, lineageID string) ([]string, error) {
	return s.revokeReturning(ctx,
		`update refresh_tokens set revoked=true where lineage_id=$1 and not revoked returning id`,
		lineageID)
}

func (s *pgRefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) ([]string, error) {
	return s.revokeReturning(ctx,
		`update refresh_tokens set revoked=true where user_id=$1 and not revoked returning id`,
		userID)
}

func (s *pgRefreshTokenStore) revokeReturning(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revoked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		revoked = append(revoked, id)
	}
	return revoked, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}
