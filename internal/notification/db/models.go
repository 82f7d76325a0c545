package db

import (
	"database/sql"
	"time"
)

// Notification はnotificationsテーブルの1行。
type Notification struct {
	ID              string
	Type            string
	NavIdent        string
	Read            int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ReadAt          sql.NullTime
	MarkedAsDeleted int64
	Source          string
	SourceCreatedAt time.Time
	KafkaMessageID  sql.NullString
	BehandlingID    string
	Saksnummer      string
	YtelseID        string
	BehandlingType  string
	MessageID       sql.NullString
	SenderNavIdent  sql.NullString
	ActorNavIdent   sql.NullString
	ActorNavn       sql.NullString
}
