package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// conflict maps a unique-key violation to ErrConflict.
func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func requireRow(result sql.Result, verb string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", verb, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, user.ID, user.DisplayName, user.Email)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at FROM projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Name, &project.OwnerID, &project.CreatedAt)
	if err != nil {
		return Project{}, notFound(err)
	}
	return project, nil
}

// InsertProject creates the project and its owner's membership row in one
// transaction.
func (s *PostgresStore) InsertProject(ctx context.Context, project Project, owner ProjectMember) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin project tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4)
	`, project.ID, project.Name, project.OwnerID, project.CreatedAt); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := insertMember(ctx, tx, owner); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit project tx: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// requireVersion checks the result of a versioned UPDATE. No rows means the
// row is gone (ErrNotFound) or was written by someone else since it was read
// (ErrConflict).
func requireVersion(ctx context.Context, db dbtx, result sql.Result, table, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s rows affected: %w", table, err)
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s %s: %w", table, id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s %s was modified concurrently", ErrConflict, table, id)
}

func insertMember(ctx context.Context, db execer, member ProjectMember) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role, status, invited_by, invited_at, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, member.ProjectID, member.UserID, string(member.Role), string(member.Status), member.InvitedBy, member.InvitedAt, member.JoinedAt)
	if err != nil {
		return fmt.Errorf("insert member: %w", conflict(err))
	}
	return nil
}

func (s *PostgresStore) GetMember(ctx context.Context, projectID, userID string) (ProjectMember, error) {
	var member ProjectMember
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, user_id, role, status, invited_by, invited_at, joined_at
		FROM project_members
		WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(
		&member.ProjectID,
		&member.UserID,
		&member.Role,
		&member.Status,
		&member.InvitedBy,
		&member.InvitedAt,
		&member.JoinedAt,
	)
	if err != nil {
		return ProjectMember{}, notFound(err)
	}
	return member, nil
}

func (s *PostgresStore) InsertMember(ctx context.Context, member ProjectMember) error {
	return insertMember(ctx, s.db, member)
}

func (s *PostgresStore) UpdateMember(ctx context.Context, member ProjectMember) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_members
		SET role=$3, status=$4, invited_by=$5, invited_at=$6, joined_at=$7
		WHERE project_id=$1 AND user_id=$2
	`, member.ProjectID, member.UserID, string(member.Role), string(member.Status), member.InvitedBy, member.InvitedAt, member.JoinedAt)
	if err != nil {
		return fmt.Errorf("update member: %w", err)
	}
	return requireRow(result, "update member")
}

func (s *PostgresStore) ListMembers(ctx context.Context, projectID string, status MemberStatus) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, user_id, role, status, invited_by, invited_at, joined_at
		FROM project_members
		WHERE project_id=$1 AND ($2 = '' OR status=$2)
		ORDER BY invited_at ASC, user_id ASC
	`, projectID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectMember, 0)
	for rows.Next() {
		var item ProjectMember
		if err := rows.Scan(
			&item.ProjectID,
			&item.UserID,
			&item.Role,
			&item.Status,
			&item.InvitedBy,
			&item.InvitedAt,
			&item.JoinedAt,
		); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

const taskColumns = `id, project_id, task_number, title, description, status, priority, assignee_id, reporter_id, sprint_id, parent_task_id, due_date, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	err := row.Scan(
		&task.ID,
		&task.ProjectID,
		&task.TaskNumber,
		&task.Title,
		&task.Description,
		&task.Status,
		&task.Priority,
		&task.AssigneeID,
		&task.ReporterID,
		&task.SprintID,
		&task.ParentTaskID,
		&task.DueDate,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.Version,
	)
	return task, err
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID))
	if err != nil {
		return Task{}, notFound(err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string, filter TaskFilter) ([]Task, error) {
	var (
		where = []string{"project_id=$1"}
		args  = []any{projectID}
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status=$%d", string(filter.Status))
	}
	if filter.AssigneeID != "" {
		add("assignee_id=$%d", filter.AssigneeID)
	}
	if filter.SprintID != "" {
		add("sprint_id=$%d", filter.SprintID)
	}
	if filter.ParentID != "" {
		add("parent_task_id=$%d", filter.ParentID)
	}
	if text := strings.TrimSpace(filter.Text); text != "" {
		add("(title || ' ' || description) ILIKE $%d", "%"+escapeLike(text)+"%")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") + ` ORDER BY task_number ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

// ListAllTasks returns every task in every project. It backs search
// reindexing.
func (s *PostgresStore) ListAllTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY project_id, task_number`)
	if err != nil {
		return nil, fmt.Errorf("list all tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

// InsertTask allocates the next per-project task number and stores the task
// in the same transaction, writing the number back into task.
func (s *PostgresStore) InsertTask(ctx context.Context, task *Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var number int64
	err = tx.QueryRowContext(ctx, `
		UPDATE projects SET task_seq = task_seq + 1 WHERE id=$1 RETURNING task_seq
	`, task.ProjectID).Scan(&number)
	if err != nil {
		return notFound(err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)
	`,
		task.ID,
		task.ProjectID,
		number,
		task.Title,
		task.Description,
		string(task.Status),
		string(task.Priority),
		task.AssigneeID,
		task.ReporterID,
		task.SprintID,
		task.ParentTaskID,
		task.DueDate,
		task.CreatedAt,
		task.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task tx: %w", err)
	}
	task.TaskNumber = number
	task.Version = 1
	return nil
}

// UpdateTask writes task if its stored version still equals task.Version,
// then advances task.Version.
func (s *PostgresStore) UpdateTask(ctx context.Context, task *Task) error {
	return updateTask(ctx, s.db, task)
}

func updateTask(ctx context.Context, db dbtx, task *Task) error {
	result, err := db.ExecContext(ctx, `
		UPDATE tasks
		SET title=$2, description=$3, status=$4, priority=$5, assignee_id=$6, sprint_id=$7, parent_task_id=$8, due_date=$9, updated_at=$10,
			version=version+1
		WHERE id=$1 AND version=$11
	`,
		task.ID,
		task.Title,
		task.Description,
		string(task.Status),
		string(task.Priority),
		task.AssigneeID,
		task.SprintID,
		task.ParentTaskID,
		task.DueDate,
		task.UpdatedAt,
		task.Version,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := requireVersion(ctx, db, result, "tasks", task.ID); err != nil {
		return err
	}
	task.Version++
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(result, "delete task")
}

const sprintColumns = `id, project_id, name, goal, start_date, end_date, status, created_by, created_at, updated_at, version`

func scanSprint(row rowScanner) (Sprint, error) {
	var sprint Sprint
	err := row.Scan(
		&sprint.ID,
		&sprint.ProjectID,
		&sprint.Name,
		&sprint.Goal,
		&sprint.StartDate,
		&sprint.EndDate,
		&sprint.Status,
		&sprint.CreatedBy,
		&sprint.CreatedAt,
		&sprint.UpdatedAt,
		&sprint.Version,
	)
	return sprint, err
}

func (s *PostgresStore) GetSprint(ctx context.Context, sprintID string) (Sprint, error) {
	sprint, err := scanSprint(s.db.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE id=$1`, sprintID))
	if err != nil {
		return Sprint{}, notFound(err)
	}
	return sprint, nil
}

func (s *PostgresStore) ListSprints(ctx context.Context, projectID string) ([]Sprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sprintColumns+` FROM sprints WHERE project_id=$1 ORDER BY start_date ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sprints: %w", err)
	}
	defer rows.Close()

	items := make([]Sprint, 0)
	for rows.Next() {
		sprint, err := scanSprint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sprint: %w", err)
		}
		items = append(items, sprint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sprints: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertSprint(ctx context.Context, sprint Sprint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sprints (`+sprintColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
	`,
		sprint.ID,
		sprint.ProjectID,
		sprint.Name,
		sprint.Goal,
		sprint.StartDate,
		sprint.EndDate,
		string(sprint.Status),
		sprint.CreatedBy,
		sprint.CreatedAt,
		sprint.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sprint: %w", err)
	}
	return nil
}

// UpdateSprint writes sprint if its stored version still equals
// sprint.Version, then advances sprint.Version.
func (s *PostgresStore) UpdateSprint(ctx context.Context, sprint *Sprint) error {
	return updateSprint(ctx, s.db, sprint)
}

func updateSprint(ctx context.Context, db dbtx, sprint *Sprint) error {
	result, err := db.ExecContext(ctx, `
		UPDATE sprints
		SET name=$2, goal=$3, start_date=$4, end_date=$5, status=$6, updated_at=$7, version=version+1
		WHERE id=$1 AND version=$8
	`, sprint.ID, sprint.Name, sprint.Goal, sprint.StartDate, sprint.EndDate, string(sprint.Status), sprint.UpdatedAt, sprint.Version)
	if err != nil {
		return fmt.Errorf("update sprint: %w", err)
	}
	if err := requireVersion(ctx, db, result, "sprints", sprint.ID); err != nil {
		return err
	}
	sprint.Version++
	return nil
}

// CompleteSprint writes the completed sprint and its moved tasks in one
// transaction. Every row must still be at the version that was read;
// otherwise nothing is written. Versions are advanced only after commit.
func (s *PostgresStore) CompleteSprint(ctx context.Context, sprint *Sprint, moved []*Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete sprint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	staged := *sprint
	if err := updateSprint(ctx, tx, &staged); err != nil {
		return err
	}
	stagedTasks := make([]Task, len(moved))
	for i, task := range moved {
		stagedTasks[i] = *task
		if err := updateTask(ctx, tx, &stagedTasks[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete sprint tx: %w", err)
	}
	*sprint = staged
	for i, task := range moved {
		*task = stagedTasks[i]
	}
	return nil
}

func (s *PostgresStore) DeleteSprint(ctx context.Context, sprintID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sprints WHERE id=$1`, sprintID)
	if err != nil {
		return fmt.Errorf("delete sprint: %w", err)
	}
	return requireRow(result, "delete sprint")
}

const notificationColumns = `id, user_id, type, title, message, task_id, project_id, is_read, read_at, created_at`

func scanNotification(row rowScanner) (Notification, error) {
	var item Notification
	err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.Type,
		&item.Title,
		&item.Message,
		&item.TaskID,
		&item.ProjectID,
		&item.IsRead,
		&item.ReadAt,
		&item.CreatedAt,
	)
	return item, err
}

func (s *PostgresStore) InsertNotification(ctx context.Context, notification Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		notification.ID,
		notification.UserID,
		notification.Type,
		notification.Title,
		notification.Message,
		notification.TaskID,
		notification.ProjectID,
		notification.IsRead,
		notification.ReadAt,
		notification.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, notificationID string) (Notification, error) {
	item, err := scanNotification(s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=$1`, notificationID))
	if err != nil {
		return Notification{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]Notification, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id=$1 AND (NOT $2::boolean OR NOT is_read)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		item, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND NOT is_read
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// MarkNotificationRead keeps the first read_at when the row is already read.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read=TRUE, read_at=COALESCE(read_at, $2)
		WHERE id=$1
	`, notificationID, at)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return requireRow(result, "mark notification read")
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read=TRUE, read_at=$2 WHERE user_id=$1 AND NOT is_read
	`, userID, at)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, notificationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id=$1`, notificationID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return requireRow(result, "delete notification")
}

func (s *PostgresStore) DeleteAllNotifications(ctx context.Context, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE user_id=$1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete notifications rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_comments (id, task_id, author_id, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, comment.ID, comment.TaskID, comment.AuthorID, comment.Body, comment.CreatedAt, comment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var comment Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, author_id, body, created_at, updated_at FROM task_comments WHERE id=$1
	`, commentID).Scan(&comment.ID, &comment.TaskID, &comment.AuthorID, &comment.Body, &comment.CreatedAt, &comment.UpdatedAt)
	if err != nil {
		return Comment{}, notFound(err)
	}
	return comment, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, taskID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_id, body, created_at, updated_at
		FROM task_comments
		WHERE task_id=$1
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.TaskID, &item.AuthorID, &item.Body, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, comment Comment) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE task_comments SET body=$2, updated_at=$3 WHERE id=$1
	`, comment.ID, comment.Body, comment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return requireRow(result, "update comment")
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM task_comments WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return requireRow(result, "delete comment")
}

const attachmentColumns = `id, task_id, project_id, file_name, content_type, size_bytes, object_key, uploaded_by, created_at`

func scanAttachment(row rowScanner) (Attachment, error) {
	var item Attachment
	err := row.Scan(
		&item.ID,
		&item.TaskID,
		&item.ProjectID,
		&item.FileName,
		&item.ContentType,
		&item.Size,
		&item.ObjectKey,
		&item.UploadedBy,
		&item.CreatedAt,
	)
	return item, err
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, attachment Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attachments (`+attachmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		attachment.ID,
		attachment.TaskID,
		attachment.ProjectID,
		attachment.FileName,
		attachment.ContentType,
		attachment.Size,
		attachment.ObjectKey,
		attachment.UploadedBy,
		attachment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	item, err := scanAttachment(s.db.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM task_attachments WHERE id=$1`, attachmentID))
	if err != nil {
		return Attachment{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, taskID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attachmentColumns+` FROM task_attachments WHERE task_id=$1 ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		item, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM task_attachments WHERE id=$1`, attachmentID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return requireRow(result, "delete attachment")
}
