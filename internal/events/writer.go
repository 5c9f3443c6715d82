package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events inside the caller's transaction so the
// event and the state change it describes commit together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Metadata map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, agentID, eventType, title, description string, metadata Metadata, tags []string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if metadata == nil {
		metadata = Metadata{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	if tags == nil {
		tags = []string{}
	}
	tagData, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal event tags: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(agent_id,event_type,title,description,metadata_json,tags,created_at) VALUES (?,?,?,?,?,?,?)`,
		agentID, eventType, title, description, string(meta), string(tagData), ts)
	return err
}
