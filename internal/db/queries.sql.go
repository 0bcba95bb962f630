package db

import (
	"context"
)

const deleteUser = `-- name: DeleteUser :exec
DELETE FROM users WHERE user_id = ?
`

func (q *Queries) DeleteUser(ctx context.Context, userID string) error {
	_, err := q.db.ExecContext(ctx, deleteUser, userID)
	return err
}

const deleteUserByDeviceToken = `-- name: DeleteUserByDeviceToken :exec
DELETE FROM users WHERE device_token = ?
`

func (q *Queries) DeleteUserByDeviceToken(ctx context.Context, deviceToken string) error {
	_, err := q.db.ExecContext(ctx, deleteUserByDeviceToken, deviceToken)
	return err
}

const getAllUsers = `-- name: GetAllUsers :many
SELECT user_id, encrypted_password, device_token, created_at, updated_at FROM users
`

func (q *Queries) GetAllUsers(ctx context.Context) ([]User, error) {
	rows, err := q.db.QueryContext(ctx, getAllUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []User
	for rows.Next() {
		var i User
		if err := rows.Scan(
			&i.UserID,
			&i.EncryptedPassword,
			&i.DeviceToken,
			&i.CreatedAt,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getUser = `-- name: GetUser :one
SELECT user_id, encrypted_password, device_token, created_at, updated_at FROM users WHERE user_id = ?
`

func (q *Queries) GetUser(ctx context.Context, userID string) (User, error) {
	row := q.db.QueryRowContext(ctx, getUser, userID)
	var i User
	err := row.Scan(
		&i.UserID,
		&i.EncryptedPassword,
		&i.DeviceToken,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const upsertUser = `-- name: UpsertUser :exec
INSERT INTO users (user_id, encrypted_password, device_token, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    encrypted_password = excluded.encrypted_password,
    device_token = excluded.device_token,
    updated_at = excluded.updated_at
`

type UpsertUserParams struct {
	UserID            string
	EncryptedPassword string
	DeviceToken       string
	CreatedAt         int64
	UpdatedAt         int64
}

func (q *Queries) UpsertUser(ctx context.Context, arg UpsertUserParams) error {
	_, err := q.db.ExecContext(ctx, upsertUser,
		arg.UserID,
		arg.EncryptedPassword,
		arg.DeviceToken,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return err
}

const getUserTokens = `-- name: GetUserTokens :one
SELECT user_id, refresh_token, access_token, expires_at FROM oauth_tokens WHERE user_id = ?
`

func (q *Queries) GetUserTokens(ctx context.Context, userID string) (OauthToken, error) {
	row := q.db.QueryRowContext(ctx, getUserTokens, userID)
	var i OauthToken
	err := row.Scan(
		&i.UserID,
		&i.RefreshToken,
		&i.AccessToken,
		&i.ExpiresAt,
	)
	return i, err
}

const upsertUserTokens = `-- name: UpsertUserTokens :exec
INSERT INTO oauth_tokens (user_id, refresh_token, access_token, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    refresh_token = excluded.refresh_token,
    access_token = excluded.access_token,
    expires_at = excluded.expires_at
`

type UpsertUserTokensParams struct {
	UserID       string
	RefreshToken string
	AccessToken  string
	ExpiresAt    int64
}

func (q *Queries) UpsertUserTokens(ctx context.Context, arg UpsertUserTokensParams) error {
	_, err := q.db.ExecContext(ctx, upsertUserTokens,
		arg.UserID,
		arg.RefreshToken,
		arg.AccessToken,
		arg.ExpiresAt,
	)
	return err
}

const revokeUserTokens = `-- name: RevokeUserTokens :exec
DELETE FROM oauth_tokens WHERE user_id = ?
`

func (q *Queries) RevokeUserTokens(ctx context.Context, userID string) error {
	_, err := q.db.ExecContext(ctx, revokeUserTokens, userID)
	return err
}

const enqueuePush = `-- name: EnqueuePush :exec
INSERT INTO push_queue (id, pool_id, device_token, payload, created_at)
VALUES (?, ?, ?, ?, ?)
`

type EnqueuePushParams struct {
	ID          string
	PoolID      string
	DeviceToken string
	Payload     string
	CreatedAt   int64
}

func (q *Queries) EnqueuePush(ctx context.Context, arg EnqueuePushParams) error {
	_, err := q.db.ExecContext(ctx, enqueuePush,
		arg.ID,
		arg.PoolID,
		arg.DeviceToken,
		arg.Payload,
		arg.CreatedAt,
	)
	return err
}

const listPoolPush = `-- name: ListPoolPush :many
SELECT id, pool_id, device_token, payload, created_at FROM push_queue
WHERE pool_id = ? ORDER BY created_at
`

func (q *Queries) ListPoolPush(ctx context.Context, poolID string) ([]PushQueue, error) {
	rows, err := q.db.QueryContext(ctx, listPoolPush, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PushQueue
	for rows.Next() {
		var i PushQueue
		if err := rows.Scan(
			&i.ID,
			&i.PoolID,
			&i.DeviceToken,
			&i.Payload,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deletePush = `-- name: DeletePush :exec
DELETE FROM push_queue WHERE id = ?
`

func (q *Queries) DeletePush(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, deletePush, id)
	return err
}

const listPushPools = `-- name: ListPushPools :many
SELECT DISTINCT pool_id FROM push_queue
`

func (q *Queries) ListPushPools(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listPushPools)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var pool_id string
		if err := rows.Scan(&pool_id); err != nil {
			return nil, err
		}
		items = append(items, pool_id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
