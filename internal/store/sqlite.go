package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Create events table
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		level TEXT,
		code TEXT,
		msg TEXT,
		meta TEXT
	)`); err != nil {
		return nil, err
	}

	// Create messages table with full query/response content
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS messages(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		message_id TEXT,
		workspace_id TEXT,
		agent_id TEXT,
		requester_id TEXT,
		query TEXT,
		response TEXT,
		category TEXT,
		from_cache INTEGER,
		chunks INTEGER,
		dur_ms REAL
	)`); err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

func (db *DB) Event(level, code, msg string, meta map[string]interface{}) {
	m := ""
	if meta != nil {
		b, _ := json.Marshal(meta)
		m = string(b)
	}
	_, _ = db.Exec(`INSERT INTO events(ts,level,code,msg,meta) VALUES(?,?,?,?,?)`,
		float64(time.Now().UnixNano())/1e9, level, code, msg, m)
}

func (db *DB) Message(ts time.Time, messageID, workspaceID, agentID, requesterID, query, response, category string,
	fromCache bool, chunks int, dur time.Duration) (int64, error) {
	res, err := db.Exec(`INSERT INTO messages(
		ts, message_id, workspace_id, agent_id, requester_id, query, response, category, from_cache, chunks, dur_ms)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		float64(ts.UnixNano())/1e9, messageID, workspaceID, agentID, requesterID, query, response, category, fromCache, chunks, float64(dur.Milliseconds()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
