package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"renderq/internal/models"
	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
	"renderq/internal/render"
)

// DefaultWriteTimeout bounds each history write made from an observer callback.
const DefaultWriteTimeout = 3 * time.Second

// RenderRepository stores the render history. It is a render.Observer:
// write failures are logged and never reach the dispatcher.
type RenderRepository struct {
	db      DB
	log     *logger.Logger
	timeout time.Duration
}

func NewRenderRepository(db DB, log *logger.Logger) *RenderRepository {
	if log == nil {
		log = logger.Discard()
	}
	return &RenderRepository{db: db, log: log.WithComponent("history"), timeout: DefaultWriteTimeout}
}

func (r *RenderRepository) Create(ctx context.Context, it *models.RenderItem) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO render_items
			(id, output, label, first_frame, last_frame, frame_step, restart, status, error_code, error_message, admitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, it.ID, it.Output, it.Label, it.FirstFrame, it.LastFrame, it.FrameStep, it.Restart,
		it.Status, it.ErrorCode, it.ErrorMessage, it.AdmittedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return errors.Conflict("render item already recorded").WithField("id", it.ID)
		}
		return writeErr(ctx, err, "history.create", "insert render item")
	}
	return nil
}

// Finish sets the final status of a running item.
func (r *RenderRepository) Finish(ctx context.Context, id, status, code, message string) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE render_items
		SET status=$2, error_code=$3, error_message=$4, finished_at=now()
		WHERE id=$1 AND finished_at IS NULL
	`, id, status, code, message)
	if err != nil {
		return writeErr(ctx, err, "history.finish", "update render item")
	}
	if cmd.RowsAffected() == 0 {
		return errors.NotFound("render item", id)
	}
	return nil
}

// writeErr reports a write cut short by its deadline as a timeout.
func writeErr(ctx context.Context, err error, op, message string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Timeout(op)
	}
	return errors.Wrap(err, op, message)
}

const selectColumns = `
	SELECT id, output, label, first_frame, last_frame, frame_step, restart,
	       status, error_code, error_message, admitted_at, finished_at
	FROM render_items`

func scanItem(row pgx.Row) (*models.RenderItem, error) {
	var it models.RenderItem
	err := row.Scan(
		&it.ID,
		&it.Output,
		&it.Label,
		&it.FirstFrame,
		&it.LastFrame,
		&it.FrameStep,
		&it.Restart,
		&it.Status,
		&it.ErrorCode,
		&it.ErrorMessage,
		&it.AdmittedAt,
		&it.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// List returns the most recent items, newest first. An empty output lists
// every output.
func (r *RenderRepository) List(ctx context.Context, output string, limit int) ([]models.RenderItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, selectColumns+`
		WHERE ($1 = '' OR output = $1)
		ORDER BY admitted_at DESC
		LIMIT $2
	`, output, limit)
	if err != nil {
		if IsUndefinedTable(err) {
			return nil, errors.New(errors.CodeFailedPrecond, "render history schema is missing")
		}
		return nil, errors.Wrap(err, "history.list", "query render items")
	}
	defer rows.Close()

	out := []models.RenderItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, "history.list", "scan render item")
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "history.list", "iterate render items")
	}
	return out, nil
}

func (r *RenderRepository) Get(ctx context.Context, id string) (*models.RenderItem, error) {
	it, err := scanItem(r.db.QueryRow(ctx, selectColumns+` WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("render item", id)
		}
		return nil, errors.Wrap(err, "history.get", "query render item")
	}
	return it, nil
}

func (r *RenderRepository) OnRenderStarted(item *render.Item, restarted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	row := fromWork(item.Work)
	row.ID = item.ID
	row.Restart = restarted
	row.Status = models.RenderRunning
	row.AdmittedAt = item.AdmittedAt
	if err := r.Create(ctx, row); err != nil {
		r.log.WithItem(item.ID).LogError(ctx, "failed to record render start", err)
	}
}

func (r *RenderRepository) OnRenderFinished(item *render.Item, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	status, code, message := outcome(err)
	if ferr := r.Finish(ctx, item.ID, status, code, message); ferr != nil {
		r.log.WithItem(item.ID).LogError(ctx, "failed to record render finish", ferr)
	}
}

func (r *RenderRepository) OnRenderError(w render.Work, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	row := fromWork(w)
	row.ID = uuid.NewString()
	row.Status = models.RenderRejected
	row.ErrorCode = string(errors.GetCode(err))
	row.ErrorMessage = err.Error()
	row.AdmittedAt = time.Now().UTC()
	if cerr := r.Create(ctx, row); cerr != nil {
		r.log.LogError(ctx, "failed to record rejected render", cerr)
	}
}

func fromWork(w render.Work) *models.RenderItem {
	row := &models.RenderItem{
		Label:      w.DisplayLabel(),
		FirstFrame: w.FirstFrame,
		LastFrame:  w.LastFrame,
		FrameStep:  w.FrameStep,
		Restart:    w.IsRestart,
	}
	if w.Output != nil {
		row.Output = w.Output.Name()
	}
	return row
}

// outcome maps a finish error onto the stored status columns.
func outcome(err error) (status, code, message string) {
	switch {
	case err == nil:
		return models.RenderSucceeded, "", ""
	case errors.IsCode(err, errors.CodeAborted):
		return models.RenderAborted, string(errors.CodeAborted), err.Error()
	default:
		return models.RenderFailed, string(errors.GetCode(err)), err.Error()
	}
}
