package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	mysqlCollabSchema = `
		CREATE TABLE IF NOT EXISTS email_templates (
			id BIGINT NOT NULL,
			version FLOAT NOT NULL DEFAULT 1.0,
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (id, version)
		);

		CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			email VARCHAR(255)
		);

		CREATE TABLE IF NOT EXISTS email_send_histories (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			email_message_id VARCHAR(255) NOT NULL,
			email_body TEXT NOT NULL,
			send_status VARCHAR(32) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`

	postgresCollabSchema = `
		CREATE TABLE IF NOT EXISTS email_templates (
			id BIGINT NOT NULL,
			version REAL NOT NULL DEFAULT 1.0,
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (id, version)
		);

		CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			email VARCHAR(255)
		);

		CREATE TABLE IF NOT EXISTS email_send_histories (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			email_message_id VARCHAR(255) NOT NULL,
			email_body TEXT NOT NULL,
			send_status VARCHAR(32) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
)

// SqlCollaborators backs the template, recipient and send-history
// interfaces with the application database.
type SqlCollaborators struct {
	db     *sql.DB
	driver string
}

func NewSqlCollaborators(conf SqlLedgerStoreConfig) (*SqlCollaborators, error) {
	db, err := sql.Open(conf.Driver, conf.Url)

	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	c := &SqlCollaborators{db: db, driver: conf.Driver}

	schema := postgresCollabSchema

	if conf.Driver == "mysql" {
		schema = mysqlCollabSchema
	}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}

		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Lookup returns the template at the given version, or the latest one
// when version is nil.
func (c *SqlCollaborators) Lookup(ctx context.Context, templateID int64, version *float32) (*Template, error) {
	var row *sql.Row

	if version != nil {
		row = c.db.QueryRowContext(
			ctx,
			rebind(c.driver, `SELECT subject, body FROM email_templates WHERE id = $1 AND version = $2;`),
			templateID,
			*version,
		)
	} else {
		row = c.db.QueryRowContext(
			ctx,
			rebind(c.driver, `SELECT subject, body FROM email_templates WHERE id = $1 ORDER BY version DESC LIMIT 1;`),
			templateID,
		)
	}

	t := &Template{}

	if err := row.Scan(&t.Subject, &t.Body); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("template %d: %w", templateID, ErrNotFound)
		}

		return nil, err
	}

	return t, nil
}

// Resolve returns the addressable recipients among the given ids.
// Users without an email are omitted.
func (c *SqlCollaborators) Resolve(ctx context.Context, userIDs []int64) ([]Recipient, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(userIDs))
	args := make([]interface{}, len(userIDs))

	for i, id := range userIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	q := rebind(c.driver, `SELECT id, email FROM users WHERE id IN (`+strings.Join(placeholders, ", ")+`) AND email IS NOT NULL;`)

	rows, err := c.db.QueryContext(ctx, q, args...)

	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var out []Recipient

	for rows.Next() {
		var r Recipient

		if err := rows.Scan(&r.ID, &r.Email); err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

func (c *SqlCollaborators) Record(ctx context.Context, userID int64, messageID, body, status string) error {
	_, err := c.db.ExecContext(
		ctx,
		rebind(c.driver, `INSERT INTO email_send_histories (user_id, email_message_id, email_body, send_status) VALUES ($1, $2, $3, $4);`),
		userID,
		messageID,
		body,
		status,
	)

	return err
}
