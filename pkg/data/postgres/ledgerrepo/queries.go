package ledgerrepo

const (
	createTokensTable = `
		CREATE TABLE IF NOT EXISTS tokens (
			token_id           BIGSERIAL PRIMARY KEY,
			contract_addr      BYTEA     NOT NULL UNIQUE,
			last_checked_block BIGINT    NOT NULL DEFAULT -1,
			symbol             TEXT      NOT NULL,
			decimals           SMALLINT  NOT NULL
		)`

	createHoldersTable = `
		CREATE TABLE IF NOT EXISTS holders (
			holder_id   BIGSERIAL PRIMARY KEY,
			holder_addr BYTEA     NOT NULL UNIQUE
		)`

	createBalancesTable = `
		CREATE TABLE IF NOT EXISTS balances (
			holder_id BIGINT  NOT NULL REFERENCES holders (holder_id),
			token_id  BIGINT  NOT NULL REFERENCES tokens (token_id),
			amount    NUMERIC NOT NULL DEFAULT 0,
			PRIMARY KEY (holder_id, token_id)
		)`

	createBalancesTokenIndex = `
		CREATE INDEX IF NOT EXISTS balances_token_amount_idx ON balances (token_id, amount)`

	insertToken = `
		INSERT INTO tokens (contract_addr, last_checked_block, symbol, decimals)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contract_addr) DO NOTHING
		RETURNING token_id`

	selectTokenByContract = `
		SELECT token_id, contract_addr, last_checked_block, symbol, decimals
		FROM tokens WHERE contract_addr = $1`

	// %s is an ORDER BY clause chosen from tokenOrder.
	selectTokens = `
		SELECT token_id, contract_addr, last_checked_block, symbol, decimals
		FROM tokens ORDER BY %s LIMIT $1 OFFSET $2`

	countTokens = `SELECT COUNT(*) FROM tokens`

	advanceWatermark = `
		UPDATE tokens SET last_checked_block = GREATEST(last_checked_block, $2)
		WHERE token_id = $1`

	forceWatermark = `UPDATE tokens SET last_checked_block = $2 WHERE token_id = $1`

	// The no-op update makes RETURNING yield the existing id on conflict.
	upsertHolder = `
		INSERT INTO holders (holder_addr) VALUES ($1)
		ON CONFLICT (holder_addr) DO UPDATE SET holder_addr = EXCLUDED.holder_addr
		RETURNING holder_id`

	upsertBalance = `
		INSERT INTO balances (holder_id, token_id, amount) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (holder_id, token_id) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`

	deleteTokenBalances = `DELETE FROM balances WHERE token_id = $1`

	// %s is the filter column, %s the ORDER BY clause.
	selectBalances = `
		SELECT h.holder_addr, t.contract_addr, b.holder_id, b.token_id, b.amount::text
		FROM balances b
		JOIN holders h ON h.holder_id = b.holder_id
		JOIN tokens t ON t.token_id = b.token_id
		WHERE %s = $1
		ORDER BY %s
		LIMIT $2 OFFSET $3`

	countBalances = `
		SELECT COUNT(*)
		FROM balances b
		JOIN holders h ON h.holder_id = b.holder_id
		JOIN tokens t ON t.token_id = b.token_id
		WHERE %s = $1`
)
