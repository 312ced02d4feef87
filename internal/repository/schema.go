package repository

// Schema definitions for Spendguard database.
// Compatible with both SQLite and PostgreSQL. Amounts are stored as
// normalized decimal strings so exact-amount matching is a string compare.

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    currency TEXT NOT NULL,
    balance TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    type TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    category TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    date TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    is_recurring INTEGER NOT NULL DEFAULT 0,
    recurring_interval TEXT NOT NULL DEFAULT '',
    next_recurring_date TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, type, date);
CREATE INDEX IF NOT EXISTS idx_transactions_category ON transactions(user_id, type, category, date);
CREATE INDEX IF NOT EXISTS idx_transactions_description ON transactions(user_id, type, description, date);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAccounts,
		schemaTransactions,
	}
}
