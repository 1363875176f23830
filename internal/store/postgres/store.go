package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ekklesia/queue-service/internal/models"
	"ekklesia/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `id::text, ticket_number, type, service_id, status, timestamp,
	called_at, completed_at, canceled_at, notes, attendant_id,
	client_name, client_cpf, client_phone, client_email`

const serviceColumns = `service_id, name, prefix, icon, color, paused, max_tickets`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) InsertTicket(ctx context.Context, input store.NewTicket) (models.Ticket, error) {
	timestamp := input.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	var name, cpf, phone, email any
	if input.Client != nil {
		name = nullIfEmpty(input.Client.Name)
		cpf = nullIfEmpty(input.Client.CPF)
		phone = nullIfEmpty(input.Client.Phone)
		email = nullIfEmpty(input.Client.Email)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_number, type, service_id, status, timestamp,
			client_name, client_cpf, client_phone, client_email
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+ticketColumns,
		input.Number, string(input.Type), input.ServiceID, string(models.StatusWaiting), timestamp,
		name, cpf, phone, email)
	return scanTicket(row)
}

func (s *Store) UpdateTicket(ctx context.Context, ticketID string, patch store.TicketPatch) (ticket models.Ticket, err error) {
	if _, parseErr := uuid.Parse(ticketID); parseErr != nil {
		return models.Ticket{}, store.TicketNotFound(ticketID)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM tickets WHERE id = $1 FOR UPDATE`, ticketID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.TicketNotFound(ticketID)
		}
		return models.Ticket{}, err
	}
	if len(patch.ExpectStatus) > 0 && !statusIn(models.TicketStatus(current), patch.ExpectStatus) {
		err = fmt.Errorf("%w: ticket %s is %s", store.ErrInvalidState, ticketID, current)
		return models.Ticket{}, err
	}

	sets, args := patchAssignments(patch)
	if len(sets) == 0 {
		ticket, err = scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, ticketID))
	} else {
		args = append(args, ticketID)
		query := fmt.Sprintf(`UPDATE tickets SET %s WHERE id = $%d RETURNING %s`,
			strings.Join(sets, ", "), len(args), ticketColumns)
		ticket, err = scanTicket(tx.QueryRow(ctx, query, args...))
	}
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func patchAssignments(patch store.TicketPatch) ([]string, []any) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.ClearCalledAt {
		sets = append(sets, "called_at = NULL")
	} else if patch.CalledAt != nil {
		add("called_at", *patch.CalledAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.ClearCanceledAt {
		sets = append(sets, "canceled_at = NULL")
	} else if patch.CanceledAt != nil {
		add("canceled_at", *patch.CanceledAt)
	}
	if patch.Notes != nil {
		add("notes", nullIfEmpty(*patch.Notes))
	}
	if patch.AttendantID != nil {
		add("attendant_id", nullIfEmpty(*patch.AttendantID))
	}
	return sets, args
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return models.Ticket{}, store.TicketNotFound(ticketID)
	}
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.TicketNotFound(ticketID)
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE 1=1`
	var args []any
	if filter.ServiceID != "" {
		args = append(args, filter.ServiceID)
		query += fmt.Sprintf(" AND service_id = $%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if filter.Number != "" {
		args = append(args, filter.Number)
		query += fmt.Sprintf(" AND ticket_number = $%d", len(args))
	}
	if filter.Order == store.NewestFirst {
		query += " ORDER BY timestamp DESC"
	} else {
		query += " ORDER BY timestamp ASC"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) CountTickets(ctx context.Context, serviceID string, from, to time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM tickets
		WHERE service_id = $1 AND timestamp >= $2 AND timestamp < $3
	`, serviceID, from, to).Scan(&count)
	return count, err
}

func (s *Store) NextSequence(ctx context.Context, serviceID string) (int64, error) {
	var next int64
	if err := s.pool.QueryRow(ctx, `SELECT next_ticket_sequence($1)`, serviceID).Scan(&next); err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrSequenceUnavailable, err)
	}
	return next, nil
}

func (s *Store) LatestTicketNumber(ctx context.Context, serviceID string) (string, bool, error) {
	var number string
	err := s.pool.QueryRow(ctx, `
		SELECT ticket_number FROM tickets
		WHERE service_id = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`, serviceID).Scan(&number)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return number, true, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.ServiceConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.ServiceConfig
	for rows.Next() {
		service, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, service)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.ServiceConfig, error) {
	service, err := scanService(s.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE service_id = $1`, serviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ServiceConfig{}, store.ServiceNotFound(serviceID)
		}
		return models.ServiceConfig{}, err
	}
	return service, nil
}

func (s *Store) SaveService(ctx context.Context, service models.ServiceConfig) (models.ServiceConfig, error) {
	var maxTickets any
	if service.MaxTickets != nil {
		maxTickets = *service.MaxTickets
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO services (service_id, name, prefix, icon, color, paused, max_tickets)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (service_id) DO UPDATE SET
			name = EXCLUDED.name,
			prefix = EXCLUDED.prefix,
			icon = EXCLUDED.icon,
			color = EXCLUDED.color,
			paused = EXCLUDED.paused,
			max_tickets = EXCLUDED.max_tickets,
			updated_at = now()
		RETURNING `+serviceColumns,
		service.ID, service.Name, service.Prefix, service.Icon, service.Color, service.Paused, maxTickets)
	return scanService(row)
}

func (s *Store) DeleteService(ctx context.Context, serviceID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM services WHERE service_id = $1`, serviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ServiceNotFound(serviceID)
	}
	return nil
}

func (s *Store) SetServicePaused(ctx context.Context, serviceID string, paused bool) (models.ServiceConfig, error) {
	service, err := scanService(s.pool.QueryRow(ctx, `
		UPDATE services SET paused = $2, updated_at = now()
		WHERE service_id = $1
		RETURNING `+serviceColumns, serviceID, paused))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ServiceConfig{}, store.ServiceNotFound(serviceID)
		}
		return models.ServiceConfig{}, err
	}
	return service, nil
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var ticketType, status string
	var calledAt, completedAt, canceledAt sql.NullTime
	var notes, attendantID sql.NullString
	var name, cpf, phone, email sql.NullString
	if err := row.Scan(&ticket.ID, &ticket.Number, &ticketType, &ticket.ServiceID, &status, &ticket.Timestamp,
		&calledAt, &completedAt, &canceledAt, &notes, &attendantID,
		&name, &cpf, &phone, &email); err != nil {
		return models.Ticket{}, err
	}
	ticket.Type = models.TicketType(ticketType)
	ticket.Status = models.TicketStatus(status)
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	ticket.CanceledAt = nullTimePtr(canceledAt)
	ticket.Notes = notes.String
	ticket.AttendantID = attendantID.String
	if name.Valid || cpf.Valid || phone.Valid || email.Valid {
		ticket.Client = &models.ClientData{
			Name:  name.String,
			CPF:   cpf.String,
			Phone: phone.String,
			Email: email.String,
		}
	}
	return ticket, nil
}

func scanService(row rowScanner) (models.ServiceConfig, error) {
	var service models.ServiceConfig
	var maxTickets sql.NullInt32
	if err := row.Scan(&service.ID, &service.Name, &service.Prefix, &service.Icon, &service.Color, &service.Paused, &maxTickets); err != nil {
		return models.ServiceConfig{}, err
	}
	if maxTickets.Valid {
		limit := int(maxTickets.Int32)
		service.MaxTickets = &limit
	}
	return service, nil
}

func statusIn(status models.TicketStatus, allowed []models.TicketStatus) bool {
	for _, candidate := range allowed {
		if candidate == status {
			return true
		}
	}
	return false
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
