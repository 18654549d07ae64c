package repo

import (
	"context"
	"database/sql"
	"errors"

	"allo/internal/domain"
)

const slotColumns = `s.id,s.task_id,s.claimed_by_name,s.claimed_by_phone,s.claimed_by_address,s.claimed_by_building,s.claimed_by_room,s.delivery_status,s.claimed_at`

func scanSlot(row rowScanner, extra ...any) (domain.Slot, error) {
	var (
		s                                domain.Slot
		name, phone, address, bldg, room sql.NullString
		claimedAt                        sql.NullString
		status                           string
	)
	dest := []any{&s.ID, &s.TaskID, &name, &phone, &address, &bldg, &room, &status, &claimedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	s.ClaimedByName = stringPtr(name)
	s.ClaimedByPhone = stringPtr(phone)
	s.ClaimedByAddress = stringPtr(address)
	s.ClaimedByBuilding = stringPtr(bldg)
	s.ClaimedByRoom = stringPtr(room)
	s.DeliveryStatus = domain.DeliveryStatus(status)
	s.ClaimedAt = stringPtr(claimedAt)
	return s, nil
}

// InsertEmptySlotsTx pre-allocates n unclaimed slots for a task.
func (r Repo) InsertEmptySlotsTx(ctx context.Context, tx *sql.Tx, taskID int64, n int) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO slots(task_id,delivery_status) VALUES (?,'TODO')`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, taskID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) DeleteSlotsTx(ctx context.Context, tx *sql.Tx, taskID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM slots WHERE task_id=?`, taskID)
	return err
}

func (r Repo) GetSlot(ctx context.Context, id int64) (domain.Slot, error) {
	return scanSlot(r.DB.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots s WHERE s.id=?`, id))
}

func (r Repo) ListSlots(ctx context.Context, taskID int64) ([]domain.Slot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+slotColumns+` FROM slots s WHERE s.task_id=? ORDER BY s.id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Slot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

const claimFreeSlotSQL = `UPDATE slots
SET claimed_by_name=?, claimed_by_phone=?, claimed_by_address=?, claimed_by_building=?, claimed_by_room=?, delivery_status='TODO', claimed_at=?
WHERE id = (SELECT id FROM slots WHERE task_id=? AND claimed_by_phone IS NULL ORDER BY id LIMIT 1)
  AND claimed_by_phone IS NULL
RETURNING id`

// ClaimFreeSlot assigns the lowest free slot of a task to the claimant in a
// single guarded statement. The claimed_by_phone IS NULL predicate is
// re-evaluated under the write lock, so two callers can never both win the
// same row. It returns ErrNoFreeSlot when nothing was updated.
func (r Repo) ClaimFreeSlot(ctx context.Context, taskID int64, c domain.Claimant, claimedAt string) (int64, error) {
	return r.ClaimFreeSlotTx(ctx, nil, taskID, c, claimedAt)
}

func (r Repo) ClaimFreeSlotTx(ctx context.Context, tx *sql.Tx, taskID int64, c domain.Claimant, claimedAt string) (int64, error) {
	var id int64
	err := r.q(tx).QueryRowContext(ctx, claimFreeSlotSQL,
		c.Name(), c.Phone, c.Address(), c.Building, c.Room, claimedAt, taskID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoFreeSlot
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// HasClaimOnTask reports whether phone already holds a slot of the task.
func (r Repo) HasClaimOnTask(ctx context.Context, taskID int64, phone string) (bool, error) {
	return r.HasClaimOnTaskTx(ctx, nil, taskID, phone)
}

func (r Repo) HasClaimOnTaskTx(ctx context.Context, tx *sql.Tx, taskID int64, phone string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM slots WHERE task_id=? AND claimed_by_phone=?`, taskID, phone).Scan(&n)
	return n > 0, err
}

// CountActiveClaims counts slots held by phone on PUBLISHED tasks.
func (r Repo) CountActiveClaims(ctx context.Context, phone string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM slots s JOIN tasks t ON t.id=s.task_id WHERE s.claimed_by_phone=? AND t.status='PUBLISHED'`, phone).Scan(&n)
	return n, err
}

func (r Repo) CountClaimedSlots(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM slots WHERE task_id=? AND claimed_by_phone IS NOT NULL`, taskID).Scan(&n)
	return n, err
}

func (r Repo) SetDeliveryStatus(ctx context.Context, slotID int64, status domain.DeliveryStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE slots SET delivery_status=? WHERE id=?`, string(status), slotID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ClearClaim empties every claim field and resets the delivery status.
func (r Repo) ClearClaim(ctx context.Context, slotID int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE slots SET claimed_by_name=NULL, claimed_by_phone=NULL, claimed_by_address=NULL, claimed_by_building=NULL, claimed_by_room=NULL, delivery_status='TODO', claimed_at=NULL WHERE id=?`, slotID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ListClaimsByPhone returns every slot held by phone with task context,
// newest claim first.
func (r Repo) ListClaimsByPhone(ctx context.Context, phone string) ([]domain.ClaimView, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+slotColumns+`,
  t.title, COALESCE(t.description,''), COALESCE(t.conditions_text,''), t.theme,
  COALESCE(b.name,''),
  c.id, COALESCE(c.first_name,''), COALESCE(c.last_name,''), COALESCE(c.phone,''),
  a.id, COALESCE(a.first_name,''), COALESCE(a.last_name,''), COALESCE(a.phone,'')
FROM slots s
JOIN tasks t ON t.id=s.task_id
LEFT JOIN bde_lists b ON b.id=t.bde_list_id
LEFT JOIN users c ON c.id=t.created_by
LEFT JOIN users a ON a.id=t.assigned_to
WHERE s.claimed_by_phone=?
ORDER BY s.claimed_at DESC, s.id DESC`, phone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ClaimView{}
	for rows.Next() {
		var (
			v                     domain.ClaimView
			theme                 string
			cID, aID              sql.NullInt64
			cFirst, cLast, cPhone string
			aFirst, aLast, aPhone string
		)
		slot, err := scanSlot(rows, &v.TaskTitle, &v.TaskDescription, &v.TaskConditions, &theme, &v.BdeListName,
			&cID, &cFirst, &cLast, &cPhone, &aID, &aFirst, &aLast, &aPhone)
		if err != nil {
			return nil, err
		}
		v.Slot = slot
		v.TaskTheme = domain.ParseTheme(theme)
		v.Creator = scanPerson(cID, cFirst, cLast, cPhone)
		v.Assignee = scanPerson(aID, aFirst, aLast, aPhone)
		res = append(res, v)
	}
	return res, rows.Err()
}
