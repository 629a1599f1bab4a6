package trace

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"honnef.co/go/enclaveperf/container"
)

// Store is a read-only handle on a trace database.
type Store struct {
	db      *sql.DB
	logger  *zap.Logger
	cleanup func()
}

// Open opens the trace database at path. Databases compressed with zstd (.zst) or snappy (.sz) are decompressed to
// a temporary file first, which is removed by Close.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dbPath, cleanup, err := decompress(path, logger)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// query_only is a per-connection setting, so we must not let the pool open additional connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA query_only = ON"); err != nil {
		db.Close()
		cleanup()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	logger.Info("Opened trace database", zap.String("path", path))
	return &Store{db: db, logger: logger, cleanup: cleanup}, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	s.cleanup()
	return err
}

// Load reads everything the analyzer needs from the store.
func Load(ctx context.Context, s *Store) (Trace, error) {
	var (
		tr  Trace
		err error
	)

	if tr.General, err = s.General(ctx); err != nil {
		return Trace{}, err
	}
	if tr.EventTypes, err = s.EventTypes(ctx); err != nil {
		return Trace{}, err
	}
	if tr.Sites, err = s.CallSites(ctx); err != nil {
		return Trace{}, err
	}
	s.logger.Debug("Loaded call sites", zap.Int("count", len(tr.Sites)))
	if tr.Threads, err = s.Threads(ctx); err != nil {
		return Trace{}, err
	}
	s.logger.Debug("Loaded threads", zap.Int("count", len(tr.Threads)))
	if tr.Calls, err = s.Calls(ctx, tr.EventTypes); err != nil {
		return Trace{}, err
	}
	s.logger.Debug("Loaded calls", zap.Int("count", len(tr.Calls)))
	if tr.SyncWaits, err = s.SyncWaits(ctx, tr.EventTypes); err != nil {
		return Trace{}, err
	}
	return tr, nil
}

// General reads the trace's start and end time and its main thread.
func (s *Store) General(ctx context.Context) (General, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM general ORDER BY key ASC")
	if err != nil {
		return General{}, fmt.Errorf("failed to query general: %w", err)
	}
	defer rows.Close()

	var (
		g    General
		seen = container.NewSet[string]()
	)
	for rows.Next() {
		var (
			key   string
			value int64
		)
		if err := rows.Scan(&key, &value); err != nil {
			return General{}, fmt.Errorf("failed to scan general: %w", err)
		}
		switch key {
		case "start_time":
			g.Start = Timestamp(value)
		case "end_time":
			g.End = Timestamp(value)
		case "main_thread":
			g.MainThread = uint64(value)
		default:
			continue
		}
		seen.Add(key)
	}
	if err := rows.Err(); err != nil {
		return General{}, fmt.Errorf("failed to query general: %w", err)
	}

	for _, key := range [...]string{"start_time", "end_time", "main_thread"} {
		if !seen.Has(key) {
			return General{}, fmt.Errorf("%w: missing general key %q", ErrMissingMetadata, key)
		}
	}
	return g, nil
}

// EventTypes resolves numeric event types from the event_map table, falling back to DefaultEventTypes for traces
// that lack it.
func (s *Store) EventTypes(ctx context.Context) (EventTypes, error) {
	types := DefaultEventTypes

	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type='table' AND name='event_map'").Scan(&exists)
	if err != nil {
		return EventTypes{}, fmt.Errorf("failed to query event map: %w", err)
	}
	if exists == 0 {
		s.logger.Debug("Trace has no event map, using default event types")
		return types, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM event_map")
	if err != nil {
		return EventTypes{}, fmt.Errorf("failed to query event map: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return EventTypes{}, fmt.Errorf("failed to scan event map: %w", err)
		}
		switch name {
		case "EnclaveECallEvent":
			types.ECall = id
		case "EnclaveECallReturnEvent":
			types.ECallReturn = id
		case "EnclaveOCallEvent":
			types.OCall = id
		case "EnclaveOCallReturnEvent":
			types.OCallReturn = id
		case "EnclaveSyncWaitEvent":
			types.SyncWait = id
		case "EnclaveSyncSetEvent":
			types.SyncSet = id
		}
	}
	if err := rows.Err(); err != nil {
		return EventTypes{}, fmt.Errorf("failed to query event map: %w", err)
	}
	return types, nil
}

// CallSites reads the ECall and OCall registries, ordered by enclave and id.
func (s *Store) CallSites(ctx context.Context) ([]SiteRow, error) {
	var out []SiteRow
	for _, q := range [...]struct {
		kind  CallKind
		query string
	}{
		{ECall, "SELECT id, eid, symbol_name FROM ecalls ORDER BY eid ASC, id ASC"},
		{OCall, "SELECT id, eid, symbol_name FROM ocalls ORDER BY eid ASC, id ASC"},
	} {
		rows, err := s.db.QueryContext(ctx, q.query)
		if err != nil {
			return nil, fmt.Errorf("failed to query %ss: %w", q.kind, err)
		}
		for rows.Next() {
			var (
				row  = SiteRow{Kind: q.kind}
				name sql.NullString
			)
			if err := rows.Scan(&row.ID, &row.EID, &name); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan %s: %w", q.kind, err)
			}
			row.Name = name.String
			out = append(out, row)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to query %ss: %w", q.kind, err)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoCallSites
	}
	return out, nil
}

func (s *Store) Threads(ctx context.Context) ([]ThreadRow, error) {
	const query = `SELECT t.id, t.pthread_id, count(e.id) FROM threads AS t
LEFT JOIN events AS e ON e.involved_thread = t.id AND e.call_event IS NOT NULL
GROUP BY t.id ORDER BY t.id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var out []ThreadRow
	for rows.Next() {
		var t ThreadRow
		if err := rows.Scan(&t.ID, &t.PthreadID, &t.Events); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	return out, nil
}

// Calls reads all invocations, ordered by (thread, start time). Ties are broken by event id, which orders a parent
// before its children.
func (s *Store) Calls(ctx context.Context, types EventTypes) ([]CallRow, error) {
	const query = `SELECT s.id, e.type, s.involved_thread, s.call_id, s.eid, e.time - s.time, e.aex_count, s.call_event, s.time, e.time
FROM events AS e INNER JOIN events AS s ON s.id = e.call_event
WHERE e.type = ? OR e.type = ?
ORDER BY s.involved_thread ASC, s.time ASC, s.id ASC`

	rows, err := s.db.QueryContext(ctx, query, types.ECallReturn, types.OCallReturn)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer rows.Close()

	var out []CallRow
	for rows.Next() {
		var (
			row      CallRow
			typ      int64
			duration int64
			aex      sql.NullInt64
			parent   sql.NullInt64
		)
		if err := rows.Scan(&row.Event, &typ, &row.Thread, &row.Site, &row.EID, &duration, &aex, &parent, &row.Start, &row.End); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		if typ == types.ECallReturn {
			row.Kind = ECall
		} else {
			row.Kind = OCall
		}
		row.Duration = time.Duration(duration)
		row.AEX = container.OptionIf(uint64(aex.Int64), aex.Valid)
		row.Parent = container.OptionIf(EventID(parent.Int64), parent.Valid)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	return out, nil
}

// SyncWaits reads every wait on an untrusted event together with the set event that resolved it, if any.
func (s *Store) SyncWaits(ctx context.Context, types EventTypes) ([]SyncWait, error) {
	const query = `SELECT waitevent.involved_thread, waitevent.eid, ecallwait.call_id,
	ocallset.involved_thread, ecallset.eid, ecallset.call_id, setevent.time - waitevent.time
FROM events AS waitevent
JOIN events AS ocallwait ON waitevent.call_event = ocallwait.id
JOIN events AS ecallwait ON ecallwait.id = ocallwait.call_event
LEFT JOIN events AS setevent ON setevent.arg = waitevent.id AND setevent.type = ?
LEFT JOIN events AS ocallset ON setevent.call_event = ocallset.id
LEFT JOIN events AS ecallset ON ecallset.id = ocallset.call_event
WHERE waitevent.type = ?
ORDER BY waitevent.id ASC`

	rows, err := s.db.QueryContext(ctx, query, types.SyncSet, types.SyncWait)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync events: %w", err)
	}
	defer rows.Close()

	var out []SyncWait
	for rows.Next() {
		var (
			w                                   SyncWait
			setThread, setEID, setSite, resolve sql.NullInt64
		)
		if err := rows.Scan(&w.WaitThread, &w.WaitEID, &w.WaitParentSite, &setThread, &setEID, &setSite, &resolve); err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}
		if setThread.Valid {
			w.Set = container.Some(SyncSet{
				Thread:      uint64(setThread.Int64),
				EID:         uint64(setEID.Int64),
				ParentSite:  uint64(setSite.Int64),
				ResolveTime: time.Duration(resolve.Int64),
			})
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query sync events: %w", err)
	}
	return out, nil
}
