package layerdb

import (
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/ident"
)

type EventKind string

const (
	EventWrite         EventKind = "Write"
	EventEvict         EventKind = "Evict"
	EventSnapshotWrite EventKind = "SnapshotWrite"
	EventSnapshotEvict EventKind = "SnapshotEvict"
)

func (k EventKind) IsWrite() bool {
	return k == EventWrite || k == EventSnapshotWrite
}

func (k EventKind) IsEvict() bool {
	return k == EventEvict || k == EventSnapshotEvict
}

// Tenancy scopes an event to the workspace and change set that produced it.
type Tenancy struct {
	WorkspaceID ident.ID `json:"workspace_id"`
	ChangeSetID ident.ID `json:"change_set_id"`
}

// SystemActor marks writes made by background services rather than a user.
const SystemActor = "system"

// Event is one persisted or replicated cache operation. Payload carries the
// compressed stored bytes for write kinds and is empty for evictions.
type Event struct {
	ID        ident.ID  `json:"id"`
	Kind      EventKind `json:"kind"`
	DB        string    `json:"db_name"`
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload,omitempty"`
	Tenancy   Tenancy   `json:"tenancy"`
	Actor     string    `json:"actor"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Subject is "{prefix}.{workspace}.{change set}.{db}.{kind}", so subscribers
// can filter by routing key without decoding the body.
func (e Event) Subject(prefix string) string {
	return fmt.Sprintf("%s.%s.%s.%s.%s", prefix, e.Tenancy.WorkspaceID, e.Tenancy.ChangeSetID, e.DB, e.Kind)
}

// SubjectPattern matches every event for one workspace. An empty db matches all dbs.
func SubjectPattern(prefix string, workspaceID ident.ID, db string) string {
	if db == "" {
		db = "*"
	}
	return fmt.Sprintf("%s.%s.*.%s.*", prefix, workspaceID, db)
}
