package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/health-connector/internal/errs"
	"github.com/and161185/health-connector/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func TestCaseRepo_Find(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCaseRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	now := time.Now()

	mock.ExpectQuery(`SELECT id, status, public_key, lang, updated_at FROM cases WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "public_key", "lang", "updated_at"}).
			AddRow(id, "PIN_SENT", []byte("pk"), "de-DE", now))
	c, err := r.Find(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StatusPinSent, c.Status)
	require.Equal(t, "de-DE", c.Lang)

	mock.ExpectQuery(`SELECT id, status, public_key, lang, updated_at FROM cases WHERE id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Find(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseRepo_FindRejectsUnknownStatus(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCaseRepo(db)
	id := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT id, status, public_key, lang, updated_at FROM cases WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "public_key", "lang", "updated_at"}).
			AddRow(id, "ARCHIVED", []byte("pk"), "de-DE", time.Now()))
	c, err := r.Find(context.Background(), id)
	require.Error(t, err)
	require.NotErrorIs(t, err, errs.ErrNotFound)
	require.Nil(t, c)
	require.Contains(t, err.Error(), "ARCHIVED")
}

func TestCaseRepo_Save(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCaseRepo(db)
	c := &model.Case{ID: uuid.Must(uuid.NewV4()), Status: model.StatusInvitationSent, PublicKey: []byte("pk"), Lang: "en"}

	mock.ExpectExec(`INSERT INTO cases \(id, status, public_key, lang, updated_at\)`).
		WithArgs(c.ID, "INVITATION_SENT", c.PublicKey, "en").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Save(context.Background(), c))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseNonceRepo(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCaseNonceRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`INSERT INTO case_nonces \(case_id, nonce\)`).
		WithArgs(id, int64(42)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Save(ctx, model.CaseNonce{CaseID: id, Nonce: 42}))

	mock.ExpectQuery(`SELECT case_id, nonce FROM case_nonces WHERE case_id=\$1 AND nonce=\$2`).
		WithArgs(id, int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"case_id", "nonce"}).AddRow(id, int64(42)))
	n, err := r.FindByIDAndNonce(ctx, id, 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), n.Nonce)

	mock.ExpectQuery(`SELECT case_id, nonce FROM case_nonces`).
		WithArgs(id, int64(7)).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.FindByIDAndNonce(ctx, id, 7)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOauthStateRepo(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewOauthStateRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`INSERT INTO oauth_states \(case_id, state\)`).
		WithArgs(id, "st").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Save(ctx, model.OauthState{CaseID: id, State: "st"}))

	mock.ExpectQuery(`SELECT case_id, state FROM oauth_states WHERE state=\$1`).
		WithArgs("st").
		WillReturnRows(pgxmock.NewRows([]string{"case_id", "state"}).AddRow(id, "st"))
	s, err := r.FindByState(ctx, "st")
	require.NoError(t, err)
	require.Equal(t, id, s.CaseID)

	mock.ExpectQuery(`SELECT case_id, state FROM oauth_states WHERE state=\$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.FindByState(ctx, "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRefreshTokenRepo_FindAllAndDeleteIfToken(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRefreshTokenRepo(db)
	ctx := context.Background()
	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	now := time.Now()

	mock.ExpectQuery(`SELECT case_id, token, created_at FROM refresh_tokens ORDER BY created_at ASC`).
		WillReturnRows(pgxmock.NewRows([]string{"case_id", "token", "created_at"}).
			AddRow(a, "ta", now).
			AddRow(b, "tb", now))
	all, err := r.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "tb", all[1].Token)

	mock.ExpectExec(`DELETE FROM refresh_tokens WHERE case_id=\$1 AND token=\$2`).
		WithArgs(a, "ta").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, r.DeleteIfToken(ctx, a, "ta"))

	mock.ExpectExec(`DELETE FROM refresh_tokens WHERE case_id=\$1 AND token=\$2`).
		WithArgs(b, "stale").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.NoError(t, r.DeleteIfToken(ctx, b, "stale"))

	mock.ExpectExec(`INSERT INTO refresh_tokens \(case_id, token, created_at\)`).
		WithArgs(b, "tb2").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Save(ctx, model.RefreshToken{CaseID: b, Token: "tb2"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInboxRefreshTokenRepo(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewInboxRefreshTokenRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	before := time.Now().Add(-24 * time.Hour)
	fetched := before.Add(-time.Hour)

	mock.ExpectQuery(`SELECT case_id, token, fetched_at FROM inbox_refresh_tokens WHERE fetched_at < \$1`).
		WithArgs(before).
		WillReturnRows(pgxmock.NewRows([]string{"case_id", "token", "fetched_at"}).AddRow(id, "t", fetched))
	out, err := r.FindFetchedAtBefore(ctx, before)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, fetched, out[0].FetchedAt)

	mock.ExpectExec(`INSERT INTO inbox_refresh_tokens \(case_id, token, fetched_at\)`).
		WithArgs(id, "t2", before).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Save(ctx, model.InboxRefreshToken{CaseID: id, Token: "t2", FetchedAt: before}))

	mock.ExpectQuery(`SELECT case_id, token, fetched_at FROM inbox_refresh_tokens WHERE case_id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Find(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestInboxRefreshTokenRepo_Rotate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewInboxRefreshTokenRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	now := time.Now()

	mock.ExpectExec(`UPDATE inbox_refresh_tokens SET token=\$3, fetched_at=\$4 WHERE case_id=\$1 AND token=\$2`).
		WithArgs(id, "t1", "t1r", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := r.Rotate(ctx, id, "t1", model.InboxRefreshToken{CaseID: id, Token: "t1r", FetchedAt: now})
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec(`UPDATE inbox_refresh_tokens SET token=\$3, fetched_at=\$4 WHERE case_id=\$1 AND token=\$2`).
		WithArgs(id, "t1", "t1r", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	ok, err = r.Rotate(ctx, id, "t1", model.InboxRefreshToken{CaseID: id, Token: "t1r", FetchedAt: now})
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInboxCaseRepo_SaveUniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewInboxCaseRepo(db)
	c := &model.InboxCase{ExternalID: "ext-1", CaseID: uuid.Must(uuid.NewV4()), PrivateKeyEnc: []byte("enc")}

	mock.ExpectExec(`INSERT INTO inbox_cases \(external_id, case_id, private_key_enc\)`).
		WithArgs(c.ExternalID, c.CaseID, c.PrivateKeyEnc).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Save(context.Background(), c))

	mock.ExpectExec(`INSERT INTO inbox_cases \(external_id, case_id, private_key_enc\)`).
		WithArgs(c.ExternalID, c.CaseID, c.PrivateKeyEnc).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Save(context.Background(), c), errs.ErrAlreadyExists)
}

func TestResourceRepo_DeleteAndUploadable(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewResourceRepo(db)
	ctx := context.Background()
	rid, cid := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	mock.ExpectExec(`DELETE FROM cached_resources WHERE id=\$1`).
		WithArgs(rid).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, r.Delete(ctx, rid))

	mock.ExpectExec(`DELETE FROM cached_resources WHERE id=\$1`).
		WithArgs(rid).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, r.Delete(ctx, rid), errs.ErrNotFound)

	mock.ExpectQuery(`SELECT r.id, c.case_id, c.private_key_enc FROM cached_resources r JOIN inbox_cases c`).
		WithArgs(100, 0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "case_id", "private_key_enc"}).
			AddRow(rid, cid, []byte("pk")))
	out, err := r.FindUploadable(ctx, 100, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, cid, out[0].CaseID)
	require.Equal(t, []byte("pk"), out[0].PrivateKeyEnc)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadAttemptRepo(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUploadAttemptRepo(db)
	ctx := context.Background()
	rid := uuid.Must(uuid.NewV4())
	at := time.Now()

	mock.ExpectExec(`INSERT INTO upload_attempts \(resource_id, attempted_at\) VALUES \(\$1, \$2\)`).
		WithArgs(rid, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Record(ctx, rid, at))

	mock.ExpectQuery(`FROM upload_attempts WHERE resource_id=\$1`).
		WithArgs(rid).
		WillReturnRows(pgxmock.NewRows([]string{"last", "count"}).AddRow(at, int64(3)))
	last, n, err := r.LastAttempt(ctx, rid)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, at, last)
	require.NoError(t, mock.ExpectationsWereMet())
}
