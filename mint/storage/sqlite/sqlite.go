package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lnmint/lnmint/cashu"
	"github.com/lnmint/lnmint/cashu/nuts/nut04"
	"github.com/lnmint/lnmint/cashu/nuts/nut05"
	"github.com/lnmint/lnmint/mint/storage"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

// InitSQLite opens (or creates) the mint database under path and runs
// the migrations. Write transactions take the database lock on BEGIN so
// that concurrent spends of the same proof serialize on the primary key.
func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	dsn := dbpath + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}
	m.Close()

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func placeholders(n int) string {
	return "(?" + strings.Repeat(",?", n-1) + ")"
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func (sqlite *SQLiteDB) SaveSeed(seed []byte) error {
	hexSeed := hex.EncodeToString(seed)

	_, err := sqlite.db.Exec(`
	INSERT INTO seed (id, seed) VALUES (?, ?)
	`, "id", hexSeed)

	return err
}

func (sqlite *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = ?", "id")
	err := row.Scan(&hexSeed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrSeedNotFound
		}
		return nil, err
	}

	return hex.DecodeString(hexSeed)
}

func (sqlite *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO keysets (id, unit, active, seed, derivation_path_idx) VALUES (?, ?, ?, ?, ?)
	`, keyset.Id, keyset.Unit, keyset.Active, keyset.Seed, keyset.DerivationPathIdx)

	return err
}

func (sqlite *SQLiteDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := sqlite.db.Query("SELECT id, unit, active, seed, derivation_path_idx FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keyset storage.DBKeyset
		err := rows.Scan(
			&keyset.Id,
			&keyset.Unit,
			&keyset.Active,
			&keyset.Seed,
			&keyset.DerivationPathIdx,
		)
		if err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}

	return keysets, rows.Err()
}

func (sqlite *SQLiteDB) UpdateKeysetActive(id string, active bool) error {
	result, err := sqlite.db.Exec("UPDATE keysets SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("keyset was not updated")
	}
	return nil
}

func (sqlite *SQLiteDB) SpendProofs(
	proofs []storage.DBProof,
	B_s []string,
	signatures cashu.BlindedSignatures,
) error {
	return sqlite.withTx(func(tx *sql.Tx) error {
		if err := insertSpentProofs(tx, proofs); err != nil {
			return err
		}
		return insertBlindSignatures(tx, B_s, signatures)
	})
}

func insertSpentProofs(tx *sql.Tx, proofs []storage.DBProof) error {
	if len(proofs) == 0 {
		return nil
	}

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = proof.Y
	}
	var pending int
	row := tx.QueryRow("SELECT COUNT(*) FROM pending_proofs WHERE y IN "+placeholders(len(Ys)), toArgs(Ys)...)
	if err := row.Scan(&pending); err != nil {
		return err
	}
	if pending > 0 {
		return storage.ErrProofPending
	}

	stmt, err := tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		if _, err := stmt.Exec(proof.Y, proof.Amount, proof.Id, proof.Secret, proof.C); err != nil {
			if isConstraintErr(err) {
				return storage.ErrProofSpent
			}
			return err
		}
	}
	return nil
}

func insertBlindSignatures(tx *sql.Tx, B_s []string, signatures cashu.BlindedSignatures) error {
	if len(B_s) != len(signatures) {
		return fmt.Errorf("got %v blinded messages for %v signatures", len(B_s), len(signatures))
	}
	if len(B_s) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(`
		INSERT INTO blind_signatures (b_, c_, keyset_id, amount, e, s) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, sig := range signatures {
		var e, s sql.NullString
		if sig.DLEQ != nil {
			e = sql.NullString{String: sig.DLEQ.E, Valid: true}
			s = sql.NullString{String: sig.DLEQ.S, Valid: true}
		}
		if _, err := stmt.Exec(B_s[i], sig.C_, sig.Id, sig.Amount, e, s); err != nil {
			if isConstraintErr(err) {
				return storage.ErrBlindedMessageSigned
			}
			return err
		}
	}
	return nil
}

func (sqlite *SQLiteDB) GetProofsUsed(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return []storage.DBProof{}, nil
	}
	query := `SELECT y, amount, keyset_id, secret, c FROM proofs WHERE y IN ` + placeholders(len(Ys))
	return sqlite.queryProofs(query, false, toArgs(Ys)...)
}

func (sqlite *SQLiteDB) GetPendingProofs(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return []storage.DBProof{}, nil
	}
	query := `SELECT y, amount, keyset_id, secret, c, melt_quote_id FROM pending_proofs WHERE y IN ` +
		placeholders(len(Ys))
	return sqlite.queryProofs(query, true, toArgs(Ys)...)
}

func (sqlite *SQLiteDB) GetPendingProofsByQuote(quoteId string) ([]storage.DBProof, error) {
	query := `SELECT y, amount, keyset_id, secret, c, melt_quote_id FROM pending_proofs WHERE melt_quote_id = ?`
	return sqlite.queryProofs(query, true, quoteId)
}

func (sqlite *SQLiteDB) queryProofs(query string, pending bool, args ...any) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proof storage.DBProof
		dest := []any{&proof.Y, &proof.Amount, &proof.Id, &proof.Secret, &proof.C}
		if pending {
			dest = append(dest, &proof.MeltQuoteId)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}

	return proofs, rows.Err()
}

func (sqlite *SQLiteDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	_, err := sqlite.db.Exec(
		`INSERT INTO mint_quotes (id, payment_request, payment_hash, amount, state, expiry)
		VALUES (?, ?, ?, ?, ?, ?)`,
		mintQuote.Id,
		mintQuote.PaymentRequest,
		mintQuote.PaymentHash,
		mintQuote.Amount,
		mintQuote.State.String(),
		mintQuote.Expiry,
	)

	return err
}

func (sqlite *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow(`SELECT id, payment_request, payment_hash, amount, state, expiry
		FROM mint_quotes WHERE id = ?`, quoteId)
	return scanMintQuote(row)
}

func (sqlite *SQLiteDB) GetMintQuoteByPaymentHash(paymentHash string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow(`SELECT id, payment_request, payment_hash, amount, state, expiry
		FROM mint_quotes WHERE payment_hash = ?`, paymentHash)
	return scanMintQuote(row)
}

func scanMintQuote(row *sql.Row) (storage.MintQuote, error) {
	var mintQuote storage.MintQuote
	var state string

	err := row.Scan(
		&mintQuote.Id,
		&mintQuote.PaymentRequest,
		&mintQuote.PaymentHash,
		&mintQuote.Amount,
		&state,
		&mintQuote.Expiry,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MintQuote{}, storage.ErrQuoteNotFound
		}
		return storage.MintQuote{}, err
	}
	mintQuote.State = nut04.StringToState(state)

	return mintQuote, nil
}

func (sqlite *SQLiteDB) UpdateMintQuoteState(quoteId string, from, to nut04.State) error {
	return sqlite.withTx(func(tx *sql.Tx) error {
		return updateMintQuoteState(tx, quoteId, from, to)
	})
}

func updateMintQuoteState(tx *sql.Tx, quoteId string, from, to nut04.State) error {
	result, err := tx.Exec(
		"UPDATE mint_quotes SET state = ? WHERE id = ? AND state = ?",
		to.String(), quoteId, from.String(),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteStateMismatch
	}
	return nil
}

func (sqlite *SQLiteDB) IssueMintQuote(
	quoteId string,
	B_s []string,
	signatures cashu.BlindedSignatures,
) error {
	return sqlite.withTx(func(tx *sql.Tx) error {
		if err := updateMintQuoteState(tx, quoteId, nut04.Paid, nut04.Issued); err != nil {
			return err
		}
		return insertBlindSignatures(tx, B_s, signatures)
	})
}

func (sqlite *SQLiteDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	changeOutputs, err := marshalNullable(meltQuote.ChangeOutputs, len(meltQuote.ChangeOutputs))
	if err != nil {
		return err
	}
	change, err := marshalNullable(meltQuote.Change, len(meltQuote.Change))
	if err != nil {
		return err
	}

	_, err = sqlite.db.Exec(`
		INSERT INTO melt_quotes
		(id, request, payment_hash, amount, fee_reserve, state, expiry, preimage, fee_paid, change_outputs, change)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meltQuote.Id,
		meltQuote.InvoiceRequest,
		meltQuote.PaymentHash,
		meltQuote.Amount,
		meltQuote.FeeReserve,
		meltQuote.State.String(),
		meltQuote.Expiry,
		meltQuote.Preimage,
		meltQuote.FeePaid,
		changeOutputs,
		change,
	)

	return err
}

const meltQuoteColumns = `id, request, payment_hash, amount, fee_reserve, state,
	expiry, preimage, fee_paid, change_outputs, change`

type scanner interface {
	Scan(dest ...any) error
}

func scanMeltQuote(row scanner) (storage.MeltQuote, error) {
	var meltQuote storage.MeltQuote
	var state string
	var changeOutputs, change sql.NullString

	err := row.Scan(
		&meltQuote.Id,
		&meltQuote.InvoiceRequest,
		&meltQuote.PaymentHash,
		&meltQuote.Amount,
		&meltQuote.FeeReserve,
		&state,
		&meltQuote.Expiry,
		&meltQuote.Preimage,
		&meltQuote.FeePaid,
		&changeOutputs,
		&change,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MeltQuote{}, storage.ErrQuoteNotFound
		}
		return storage.MeltQuote{}, err
	}
	meltQuote.State = nut05.StringToState(state)

	if changeOutputs.Valid {
		if err := json.Unmarshal([]byte(changeOutputs.String), &meltQuote.ChangeOutputs); err != nil {
			return storage.MeltQuote{}, err
		}
	}
	if change.Valid {
		if err := json.Unmarshal([]byte(change.String), &meltQuote.Change); err != nil {
			return storage.MeltQuote{}, err
		}
	}

	return meltQuote, nil
}

func (sqlite *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE id = ?", quoteId)
	return scanMeltQuote(row)
}

func (sqlite *SQLiteDB) GetMeltQuoteByPaymentRequest(invoice string) (*storage.MeltQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE request = ? ORDER BY rowid DESC LIMIT 1", invoice)
	meltQuote, err := scanMeltQuote(row)
	if err != nil {
		return nil, err
	}
	return &meltQuote, nil
}

func (sqlite *SQLiteDB) GetMeltQuotesByState(state nut05.State) ([]storage.MeltQuote, error) {
	rows, err := sqlite.db.Query("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE state = ?", state.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := []storage.MeltQuote{}
	for rows.Next() {
		quote, err := scanMeltQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

func (sqlite *SQLiteDB) BeginMelt(
	quoteId string,
	proofs []storage.DBProof,
	changeOutputs cashu.BlindedMessages,
) error {
	outputs, err := marshalNullable(changeOutputs, len(changeOutputs))
	if err != nil {
		return err
	}

	return sqlite.withTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(
			"UPDATE melt_quotes SET state = ?, change_outputs = ? WHERE id = ? AND state = ?",
			nut05.Pending.String(), outputs, quoteId, nut05.Unpaid.String(),
		)
		if err != nil {
			return err
		}
		count, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if count != 1 {
			return storage.ErrQuoteStateMismatch
		}

		if len(proofs) == 0 {
			return nil
		}

		Ys := make([]string, len(proofs))
		for i, proof := range proofs {
			Ys[i] = proof.Y
		}
		var spent int
		row := tx.QueryRow("SELECT COUNT(*) FROM proofs WHERE y IN "+placeholders(len(Ys)), toArgs(Ys)...)
		if err := row.Scan(&spent); err != nil {
			return err
		}
		if spent > 0 {
			return storage.ErrProofSpent
		}

		stmt, err := tx.Prepare(`INSERT INTO pending_proofs (y, amount, keyset_id, secret, c, melt_quote_id)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, proof := range proofs {
			if _, err := stmt.Exec(proof.Y, proof.Amount, proof.Id, proof.Secret, proof.C, quoteId); err != nil {
				if isConstraintErr(err) {
					return storage.ErrProofPending
				}
				return err
			}
		}
		return nil
	})
}

func (sqlite *SQLiteDB) SettleMelt(settlement storage.MeltSettlement) error {
	change, err := marshalNullable(settlement.Change, len(settlement.Change))
	if err != nil {
		return err
	}

	return sqlite.withTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			UPDATE melt_quotes SET state = ?, preimage = ?, fee_paid = ?, change = ?
			WHERE id = ? AND state = ?`,
			settlement.State.String(),
			settlement.Preimage,
			settlement.FeePaid,
			change,
			settlement.QuoteId,
			nut05.Pending.String(),
		)
		if err != nil {
			return err
		}
		count, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if count != 1 {
			return storage.ErrQuoteStateMismatch
		}

		if settlement.BurnProofs {
			_, err := tx.Exec(`
				INSERT INTO proofs (y, amount, keyset_id, secret, c)
				SELECT y, amount, keyset_id, secret, c FROM pending_proofs WHERE melt_quote_id = ?`,
				settlement.QuoteId,
			)
			if err != nil {
				if isConstraintErr(err) {
					return storage.ErrProofSpent
				}
				return err
			}
		}

		if _, err := tx.Exec("DELETE FROM pending_proofs WHERE melt_quote_id = ?", settlement.QuoteId); err != nil {
			return err
		}

		return insertBlindSignatures(tx, settlement.B_s, settlement.Change)
	})
}

func marshalNullable(v any, n int) (sql.NullString, error) {
	if n == 0 {
		return sql.NullString{}, nil
	}
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(jsonBytes), Valid: true}, nil
}

func (sqlite *SQLiteDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	row := sqlite.db.QueryRow("SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ = ?", B_)
	signature, err := scanBlindSignature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cashu.BlindedSignature{}, storage.ErrSignatureNotFound
	}
	return signature, err
}

func (sqlite *SQLiteDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	signatures := cashu.BlindedSignatures{}
	if len(B_s) == 0 {
		return signatures, nil
	}
	query := `SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ IN ` + placeholders(len(B_s))

	rows, err := sqlite.db.Query(query, toArgs(B_s)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		signature, err := scanBlindSignature(rows)
		if err != nil {
			return nil, err
		}
		signatures = append(signatures, signature)
	}

	return signatures, rows.Err()
}

func scanBlindSignature(row scanner) (cashu.BlindedSignature, error) {
	var signature cashu.BlindedSignature
	var e, s sql.NullString

	err := row.Scan(
		&signature.Amount,
		&signature.C_,
		&signature.Id,
		&e,
		&s,
	)
	if err != nil {
		return cashu.BlindedSignature{}, err
	}

	if e.Valid && s.Valid {
		signature.DLEQ = &cashu.DLEQProof{
			E: e.String,
			S: s.String,
		}
	}

	return signature, nil
}

func (sqlite *SQLiteDB) IssuedEcash() (map[string]uint64, error) {
	return sqlite.sumByKeyset("SELECT keyset_id, SUM(amount) FROM blind_signatures GROUP BY keyset_id")
}

func (sqlite *SQLiteDB) RedeemedEcash() (map[string]uint64, error) {
	return sqlite.sumByKeyset("SELECT keyset_id, SUM(amount) FROM proofs GROUP BY keyset_id")
}

func (sqlite *SQLiteDB) sumByKeyset(query string) (map[string]uint64, error) {
	rows, err := sqlite.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	amounts := make(map[string]uint64)
	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		amounts[keysetId] = amount
	}
	return amounts, rows.Err()
}
