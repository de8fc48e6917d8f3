package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Authorizer is the authorization hook consulted before a user joins a
// conversation or sends into it. It returns nil when the action is allowed,
// an error wrapping ErrNotAuthorized when it is denied, and any other error
// when the decision could not be made.
type Authorizer interface {
	Authorize(ctx context.Context, userID, conversationID string) error
}

// AllowAll is the default Authorizer: no authorization is performed.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, string) error { return nil }

// PostgresAuthorizer allows an action only when the user is listed as a
// participant of the conversation. The relay never reads messages; the table
// is owned by the chat backend.
type PostgresAuthorizer struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// AuthorizerOption configures PostgresAuthorizer behavior.
type AuthorizerOption func(*PostgresAuthorizer) error

// WithAuthorizerSchema sets the DB schema holding the participants table (default: "chat").
func WithAuthorizerSchema(schema string) AuthorizerOption {
	return func(a *PostgresAuthorizer) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		a.schema = schema
		return nil
	}
}

// WithAuthorizerTable sets the participants table name (default: "conversation_participants").
func WithAuthorizerTable(table string) AuthorizerOption {
	return func(a *PostgresAuthorizer) error {
		table = strings.TrimSpace(table)
		if !isValidPGIdent(table) {
			return errors.New("realtime: invalid table identifier")
		}
		a.table = table
		return nil
	}
}

// NewPostgresAuthorizer constructs an Authorizer backed by PostgreSQL.
func NewPostgresAuthorizer(pool *pgxpool.Pool, opts ...AuthorizerOption) (*PostgresAuthorizer, error) {
	a := &PostgresAuthorizer{
		pool:   pool,
		schema: "chat",
		table:  "conversation_participants",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return a, nil
}

// Authorize checks that userID participates in conversationID.
func (a *PostgresAuthorizer) Authorize(ctx context.Context, userID, conversationID string) error {
	if a == nil || a.pool == nil {
		return errors.New("realtime: nil authorizer")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return ErrNotAuthorized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var one int
	err := a.pool.QueryRow(ctx,
		`SELECT 1 FROM `+pgIdent(a.schema, a.table)+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s is not a participant of %s", ErrNotAuthorized, userID, conversationID)
	}
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier quotes each part.
	return pgx.Identifier{schema, table}.Sanitize()
}
