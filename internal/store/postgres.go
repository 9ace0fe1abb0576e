package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

//go:embed schema.sql
var schema string

var _ Store = (*Postgres)(nil)

// Postgres is a pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	slog.Info("database schema ready")
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) SaveSession(ctx context.Context, s roundtable.Session) error {
	personas, err := json.Marshal(s.Personas)
	if err != nil {
		return fmt.Errorf("marshal personas: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO roundtable_sessions (id, argument, case_summary, personas)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET argument = $2, case_summary = $3, personas = $4
	`, s.ID, s.Argument, s.CaseSummary, personas)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (roundtable.Session, error) {
	var (
		s        roundtable.Session
		personas []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, argument, case_summary, personas FROM roundtable_sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.Argument, &s.CaseSummary, &personas)
	if err != nil {
		return roundtable.Session{}, notFound(err, "get session")
	}
	if err := json.Unmarshal(personas, &s.Personas); err != nil {
		return roundtable.Session{}, fmt.Errorf("unmarshal personas: %w", err)
	}
	return s, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, conv roundtable.Conversation) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO roundtable_conversations (id, session_id, state, started_at, rounds)
		VALUES ($1, $2, $3, $4, $5)
	`, conv.ID, conv.SessionID, string(conv.State), conv.StartedAt, conv.Rounds)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateProgress(ctx context.Context, id string, state roundtable.State, rounds int) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE roundtable_conversations
		SET state = $2, rounds = $3, started_at = COALESCE(started_at, now())
		WHERE id = $1 AND completed_at IS NULL
	`, id, string(state), rounds)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		slog.Debug("progress update ignored", "conversation_id", id, "state", state)
	}
	return nil
}

// AppendStatement locks the conversation row so concurrent appends and
// completion are serialized.
func (p *Postgres) AppendStatement(ctx context.Context, st roundtable.Statement) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var (
			completedAt *time.Time
			count       int
		)
		err := tx.QueryRow(ctx,
			`SELECT completed_at FROM roundtable_conversations WHERE id = $1 FOR UPDATE`, st.ConversationID,
		).Scan(&completedAt)
		if err != nil {
			return notFound(err, "lock conversation")
		}
		if completedAt != nil {
			return completedError(st.ConversationID)
		}
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM roundtable_statements WHERE conversation_id = $1`, st.ConversationID,
		).Scan(&count); err != nil {
			return fmt.Errorf("count statements: %w", err)
		}
		if st.SequenceNumber != count+1 {
			return sequenceError(st.ConversationID, st.SequenceNumber, count+1)
		}
		return insertStatement(ctx, tx, st, false)
	})
}

func insertStatement(ctx context.Context, tx pgx.Tx, st roundtable.Statement, ignoreExisting bool) error {
	keyPoints, err := json.Marshal(nonNil(st.KeyPoints))
	if err != nil {
		return fmt.Errorf("marshal key points: %w", err)
	}
	q := `
		INSERT INTO roundtable_statements
			(conversation_id, sequence_number, round, persona_id, persona_name, content,
			 key_points, addressed_persona_id, is_dissent, responds_to, stance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if ignoreExisting {
		q += ` ON CONFLICT (conversation_id, sequence_number) DO NOTHING`
	}
	_, err = tx.Exec(ctx, q,
		st.ConversationID, st.SequenceNumber, st.Round, st.PersonaID, st.PersonaName, st.Content,
		keyPoints, st.AddressedPersonaID, st.IsDissent, st.RespondsTo, st.Position, st.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert statement %d: %w", st.SequenceNumber, err)
	}
	return nil
}

func (p *Postgres) CompleteConversation(ctx context.Context, conv roundtable.Conversation) error {
	skipped, err := json.Marshal(nonNilSkips(conv.Skipped))
	if err != nil {
		return fmt.Errorf("marshal skipped turns: %w", err)
	}
	notes, err := json.Marshal(nonNil(conv.Notes))
	if err != nil {
		return fmt.Errorf("marshal notes: %w", err)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var completedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT completed_at FROM roundtable_conversations WHERE id = $1 FOR UPDATE`, conv.ID,
		).Scan(&completedAt)
		if err != nil {
			return notFound(err, "lock conversation")
		}
		if completedAt != nil {
			return &roundtable.InvalidStateError{ConversationID: conv.ID, Op: "complete", Reason: "conversation is already completed"}
		}
		for _, st := range conv.Statements {
			if err := insertStatement(ctx, tx, st, true); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `
			UPDATE roundtable_conversations
			SET state = $2, started_at = $3, completed_at = $4, converged = $5,
			    convergence_reason = $6, rounds = $7, skipped = $8, notes = $9
			WHERE id = $1
		`, conv.ID, string(conv.State), conv.StartedAt, conv.CompletedAt, conv.Converged,
			conv.ConvergenceReason, conv.Rounds, skipped, notes)
		if err != nil {
			return fmt.Errorf("complete conversation: %w", err)
		}
		return nil
	})
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (roundtable.Conversation, error) {
	conv, err := p.scanConversation(p.pool.QueryRow(ctx, conversationColumns+` WHERE id = $1`, id))
	if err != nil {
		return roundtable.Conversation{}, notFound(err, "get conversation")
	}

	rows, err := p.pool.Query(ctx, `
		SELECT sequence_number, round, persona_id, persona_name, content, key_points,
		       addressed_persona_id, is_dissent, responds_to, stance, created_at
		FROM roundtable_statements WHERE conversation_id = $1 ORDER BY sequence_number
	`, id)
	if err != nil {
		return roundtable.Conversation{}, fmt.Errorf("query statements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st := roundtable.Statement{ConversationID: id}
		var keyPoints []byte
		if err := rows.Scan(&st.SequenceNumber, &st.Round, &st.PersonaID, &st.PersonaName, &st.Content,
			&keyPoints, &st.AddressedPersonaID, &st.IsDissent, &st.RespondsTo, &st.Position, &st.CreatedAt); err != nil {
			return roundtable.Conversation{}, fmt.Errorf("scan statement: %w", err)
		}
		if err := json.Unmarshal(keyPoints, &st.KeyPoints); err != nil {
			return roundtable.Conversation{}, fmt.Errorf("unmarshal key points: %w", err)
		}
		conv.Statements = append(conv.Statements, st)
	}
	return conv, rows.Err()
}

func (p *Postgres) ListConversations(ctx context.Context, sessionID string) ([]roundtable.Conversation, error) {
	rows, err := p.pool.Query(ctx, conversationColumns+` WHERE session_id = $1 ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []roundtable.Conversation
	for rows.Next() {
		conv, err := p.scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

const conversationColumns = `
	SELECT id, session_id, state, started_at, completed_at, converged,
	       convergence_reason, rounds, skipped, notes
	FROM roundtable_conversations`

func (p *Postgres) scanConversation(row pgx.Row) (roundtable.Conversation, error) {
	var (
		c              roundtable.Conversation
		state          string
		skipped, notes []byte
	)
	if err := row.Scan(&c.ID, &c.SessionID, &state, &c.StartedAt, &c.CompletedAt, &c.Converged,
		&c.ConvergenceReason, &c.Rounds, &skipped, &notes); err != nil {
		return roundtable.Conversation{}, err
	}
	c.State = roundtable.State(state)
	if err := json.Unmarshal(skipped, &c.Skipped); err != nil {
		return roundtable.Conversation{}, fmt.Errorf("unmarshal skipped turns: %w", err)
	}
	if err := json.Unmarshal(notes, &c.Notes); err != nil {
		return roundtable.Conversation{}, fmt.Errorf("unmarshal notes: %w", err)
	}
	return c, nil
}

func (p *Postgres) PutArtifact(ctx context.Context, conversationID, kind string, data []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO roundtable_artifacts (conversation_id, kind, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, kind) DO UPDATE SET data = $3, updated_at = now()
	`, conversationID, kind, data)
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", kind, err)
	}
	return nil
}

func (p *Postgres) GetArtifact(ctx context.Context, conversationID, kind string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM roundtable_artifacts WHERE conversation_id = $1 AND kind = $2`, conversationID, kind,
	).Scan(&data)
	if err != nil {
		return nil, notFound(err, "get artifact")
	}
	return data, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilSkips(s []roundtable.SkippedTurn) []roundtable.SkippedTurn {
	if s == nil {
		return []roundtable.SkippedTurn{}
	}
	return s
}
