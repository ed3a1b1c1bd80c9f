package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"semaphore/lessons/internal/lesson"
)

// ClassDirectory reads classes and their active enrollments.
type ClassDirectory struct {
	store *Store
}

var _ lesson.Directory = (*ClassDirectory)(nil)

func NewClassDirectory(store *Store) *ClassDirectory {
	return &ClassDirectory{store: store}
}

func (d *ClassDirectory) ResolveClass(ctx context.Context, classID, kruzhokID string) (lesson.Class, error) {
	var class lesson.Class
	err := d.store.Pool.QueryRow(ctx, `
		SELECT id, kruzhok_id, mentor_id, title FROM classes
		WHERE id = $1 AND kruzhok_id = $2`, classID, kruzhokID,
	).Scan(&class.ID, &class.KruzhokID, &class.MentorID, &class.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return lesson.Class{}, lesson.ErrClassNotFound
	}
	if err != nil {
		return lesson.Class{}, err
	}
	return class, nil
}

func (d *ClassDirectory) EnrolledStudents(ctx context.Context, classID string) ([]string, error) {
	rows, err := d.store.Pool.Query(ctx, `
		SELECT student_id FROM class_enrollments
		WHERE class_id = $1 AND left_at IS NULL
		ORDER BY joined_at, student_id`, classID)
	if err != nil {
		return nil, err
	}
	students, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return students, nil
}

// SaveClass upserts a class and makes its enrollment list exactly
// class.Students: missing students are marked as having left, returning
// students rejoin.
func (d *ClassDirectory) SaveClass(ctx context.Context, class lesson.Class) error {
	students := class.Students
	if students == nil {
		students = []string{}
	}
	return d.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO classes (id, kruzhok_id, mentor_id, title)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET kruzhok_id = EXCLUDED.kruzhok_id, mentor_id = EXCLUDED.mentor_id, title = EXCLUDED.title`,
			class.ID, class.KruzhokID, class.MentorID, class.Title); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE class_enrollments SET left_at = now()
			WHERE class_id = $1 AND left_at IS NULL AND NOT (student_id = ANY($2))`,
			class.ID, students); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, studentID := range students {
			batch.Queue(`
				INSERT INTO class_enrollments (class_id, student_id)
				VALUES ($1, $2)
				ON CONFLICT (class_id, student_id) DO UPDATE SET left_at = NULL, joined_at = CASE
					WHEN class_enrollments.left_at IS NULL THEN class_enrollments.joined_at
					ELSE now()
				END`, class.ID, studentID)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
