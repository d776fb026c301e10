package sqlstore

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "create users table",
		sql: `
			CREATE TABLE IF NOT EXISTS users (
				username TEXT PRIMARY KEY,
				secret_hash TEXT NOT NULL,
				presence TEXT NOT NULL DEFAULT 'OFFLINE',
				created_at INTEGER NOT NULL
			)
		`,
	},
	{
		name: "create messages table",
		sql: `
			CREATE TABLE IF NOT EXISTS messages (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT UNIQUE NOT NULL,
				sender TEXT NOT NULL,
				receiver TEXT NOT NULL,
				body TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				status TEXT NOT NULL
			)
		`,
	},
	{
		name: "index undelivered lookup",
		sql:  `CREATE INDEX IF NOT EXISTS idx_messages_receiver_status ON messages(receiver, status)`,
	},
	{
		name: "index history by sender",
		sql:  `CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, created_at)`,
	},
}
