package main

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "embed"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

//go:embed schema.sql
var schema string

var (
	ErrNotFound           = errors.New("image not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type PostgreSQLDatabase struct {
	db *sql.DB
}

func NewPostgreSQLDatabase(ctx context.Context, dsn string) (*PostgreSQLDatabase, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	pg := &PostgreSQLDatabase{db: db}
	if err := pg.db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("Database pinged")

	if _, err := pg.db.ExecContext(ctx, schema); err != nil {
		slog.Debug("Failed to create database schema", "error", err)
	} else {
		slog.Info("Successfully created the database schema")
	}

	return pg, nil
}

func (pq *PostgreSQLDatabase) Close() error {
	return pq.db.Close()
}

// FindAdmin returns the admin whose username and password both match.
// Stored passwords are compared verbatim unless they hold a bcrypt hash.
func (pq *PostgreSQLDatabase) FindAdmin(ctx context.Context, username, password string) (AdminCredential, error) {
	const findAdmin = `
	SELECT
		username,
		password
	FROM admins
	WHERE username = $1
	`

	row := pq.db.QueryRowContext(ctx, findAdmin, username)
	var a AdminCredential
	err := row.Scan(&a.Username, &a.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return AdminCredential{}, ErrInvalidCredentials
	}
	if err != nil {
		return AdminCredential{}, fmt.Errorf("find admin: %w", err)
	}

	if !passwordMatches(a.Password, password) {
		return AdminCredential{}, ErrInvalidCredentials
	}

	return a, nil
}

// SeedAdmin stores a bcrypt-hashed admin unless the username already exists.
func (pq *PostgreSQLDatabase) SeedAdmin(ctx context.Context, username, password string) error {
	const seedAdmin = `
	INSERT INTO admins (username, password)
	VALUES ($1, $2)
	ON CONFLICT (username) DO NOTHING
	`

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	res, err := pq.db.ExecContext(ctx, seedAdmin, username, string(hash))
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("Seeded admin account", "username", username)
	}

	return nil
}

func (pq *PostgreSQLDatabase) CreateImage(ctx context.Context, img ImageRecord) (string, error) {
	const createImage = `
	INSERT INTO images (id, filename, image_url, location, bio, paragraph, upload_date, uploaded_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id
	`

	if img.ID == "" {
		img.ID = uuid.NewString()
	}

	row := pq.db.QueryRowContext(ctx, createImage,
		img.ID,
		img.Filename,
		img.ImageURL,
		img.Location,
		img.Bio,
		img.Paragraph,
		img.UploadDate,
		img.UploadedBy,
	)

	var id string
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("create image: %w", err)
	}

	return id, nil
}

// ListImages returns images newest first. An empty location returns every
// image, otherwise only images whose location is exactly equal.
func (pq *PostgreSQLDatabase) ListImages(ctx context.Context, location string) ([]ImageRecord, error) {
	const listImages = `
	SELECT
		id,
		filename,
		image_url,
		location,
		bio,
		paragraph,
		upload_date,
		uploaded_by
	FROM images
	WHERE ($1 = '' OR location = $1)
	ORDER BY upload_date DESC
	`

	rows, err := pq.db.QueryContext(ctx, listImages, location)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	items := []ImageRecord{}
	for rows.Next() {
		i, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("list images: %w", err)
		}

		items = append(items, i)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	return items, nil
}

func (pq *PostgreSQLDatabase) GetImageByID(ctx context.Context, id string) (ImageRecord, error) {
	const getImageByID = `
	SELECT
		id,
		filename,
		image_url,
		location,
		bio,
		paragraph,
		upload_date,
		uploaded_by
	FROM images
	WHERE id = $1
	`

	if _, err := uuid.Parse(id); err != nil {
		return ImageRecord{}, ErrNotFound
	}

	i, err := scanImage(pq.db.QueryRowContext(ctx, getImageByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ImageRecord{}, ErrNotFound
	}
	if err != nil {
		return ImageRecord{}, fmt.Errorf("get image: %w", err)
	}

	return i, nil
}

func (pq *PostgreSQLDatabase) UpdateImage(ctx context.Context, id string, upd ImageUpdate) error {
	const updateImage = `
	UPDATE images
	SET bio = COALESCE($2, bio),
		paragraph = COALESCE($3, paragraph)
	WHERE id = $1
	`

	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	res, err := pq.db.ExecContext(ctx, updateImage, id, upd.Bio, upd.Paragraph)
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}

	return expectAffected(res, "update image")
}

func (pq *PostgreSQLDatabase) DeleteImageByID(ctx context.Context, id string) error {
	const deleteImageByID = `
	DELETE FROM images
	WHERE id = $1
	`

	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	res, err := pq.db.ExecContext(ctx, deleteImageByID, id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}

	return expectAffected(res, "delete image")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (ImageRecord, error) {
	var i ImageRecord
	err := row.Scan(
		&i.ID,
		&i.Filename,
		&i.ImageURL,
		&i.Location,
		&i.Bio,
		&i.Paragraph,
		&i.UploadDate,
		&i.UploadedBy,
	)
	i.UploadDate = i.UploadDate.UTC()

	return i, err
}

func expectAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func passwordMatches(stored, given string) bool {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}

	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
