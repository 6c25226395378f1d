package user

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go-dm/internal/apperr"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Create(ctx context.Context, u User) (User, error) {
	query := `INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4) RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query, u.ID, u.Username, u.Email, u.PasswordHash).Scan(&u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, apperr.Conflict("Username or email already in use")
		}
		return User{}, err
	}
	return u, nil
}

func (r *Repository) ByEmail(ctx context.Context, email string) (User, error) {
	return r.scan(r.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, created_at FROM users WHERE email = $1", email))
}

func (r *Repository) ByID(ctx context.Context, id string) (User, error) {
	return r.scan(r.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, created_at FROM users WHERE id = $1", id))
}

func (r *Repository) scan(row *sql.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *Repository) Search(ctx context.Context, query, excludeID string, limit int) ([]User, error) {
	q := `SELECT id, username FROM users
		WHERE username ILIKE $1 AND id <> $2
		ORDER BY username
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, q, "%"+likeEscaper.Replace(query)+"%", excludeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
