package trace

import (
	"database/sql"
	"fmt"
	"os"

	"honnef.co/go/enclaveperf/container"
)

// Writer creates trace databases in the capture layer's format. It exists for tests and for producing synthetic
// traces; it does not attempt to be fast.
type Writer struct {
	db    *sql.DB
	types EventTypes
}

// Create creates a new trace database at path, which must not exist yet.
func Create(path string) (*Writer, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%s already exists", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Writer{db: db, types: DefaultEventTypes}, nil
}

func (w *Writer) Close() error { return w.db.Close() }

func (w *Writer) SetGeneral(g General) error {
	for _, kv := range [...]struct {
		key   string
		value int64
	}{
		{"start_time", int64(g.Start)},
		{"end_time", int64(g.End)},
		{"main_thread", int64(g.MainThread)},
	} {
		if _, err := w.db.Exec("INSERT INTO general (key, value) VALUES (?, ?)", kv.key, kv.value); err != nil {
			return err
		}
	}
	return nil
}

// WriteEventMap fills the event_map table. Traces without it are read with DefaultEventTypes.
func (w *Writer) WriteEventMap() error {
	for id, name := range eventTypeNames {
		if _, err := w.db.Exec("INSERT INTO event_map (id, name) VALUES (?, ?)", id, name); err != nil {
			return err
		}
	}
	return nil
}

// DropEventMap removes the event_map table, as found in traces of older capture layers.
func (w *Writer) DropEventMap() error {
	_, err := w.db.Exec("DROP TABLE event_map")
	return err
}

func (w *Writer) AddCallSite(s SiteRow) error {
	var err error
	name := sql.NullString{String: s.Name, Valid: s.Name != ""}
	switch s.Kind {
	case ECall:
		_, err = w.db.Exec("INSERT INTO ecalls (id, eid, symbol_address, symbol_name, is_private) VALUES (?, ?, 0, ?, 0)", s.ID, s.EID, name)
	case OCall:
		_, err = w.db.Exec("INSERT INTO ocalls (id, eid, symbol_name) VALUES (?, ?, ?)", s.ID, s.EID, name)
	default:
		err = fmt.Errorf("invalid call kind %s", s.Kind)
	}
	return err
}

func (w *Writer) AddThread(id, pthreadID uint64) error {
	_, err := w.db.Exec("INSERT INTO threads (id, pthread_id, name, start_address) VALUES (?, ?, '', 0)", id, pthreadID)
	return err
}

// AddCall records an invocation as a pair of enter and return events and returns the enter event's id. Parents must
// be added before their children.
func (w *Writer) AddCall(kind CallKind, thread, site, eid uint64, start, end Timestamp, parent container.Option[EventID], aex container.Option[uint64]) (EventID, error) {
	var enterType, returnType int64
	switch kind {
	case ECall:
		enterType, returnType = w.types.ECall, w.types.ECallReturn
	case OCall:
		enterType, returnType = w.types.OCall, w.types.OCallReturn
	default:
		return 0, fmt.Errorf("invalid call kind %s", kind)
	}

	var parentCol sql.NullInt64
	if p, ok := parent.Get(); ok {
		parentCol = sql.NullInt64{Int64: int64(p), Valid: true}
	}
	res, err := w.db.Exec("INSERT INTO events (type, time, involved_thread, core, eid, call_id, call_event) VALUES (?, ?, ?, 0, ?, ?, ?)",
		enterType, int64(start), thread, eid, site, parentCol)
	if err != nil {
		return 0, err
	}
	enter, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	var aexCol sql.NullInt64
	if n, ok := aex.Get(); ok {
		aexCol = sql.NullInt64{Int64: int64(n), Valid: true}
	}
	_, err = w.db.Exec("INSERT INTO events (type, time, involved_thread, core, eid, call_id, call_event, aex_count) VALUES (?, ?, ?, 0, ?, ?, ?, ?)",
		returnType, int64(end), thread, eid, site, enter, aexCol)
	if err != nil {
		return 0, err
	}
	return EventID(enter), nil
}

// AddSyncWait records a wait event issued from within the OCall whose enter event is ocall.
func (w *Writer) AddSyncWait(thread, eid uint64, ocall EventID, at Timestamp) (EventID, error) {
	res, err := w.db.Exec("INSERT INTO events (type, time, involved_thread, core, eid, call_event) VALUES (?, ?, ?, 0, ?, ?)",
		w.types.SyncWait, int64(at), thread, eid, ocall)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return EventID(id), err
}

// AddSyncSet records a set event, issued from within the OCall whose enter event is ocall, that wakes wait.
func (w *Writer) AddSyncSet(thread, eid uint64, ocall, wait EventID, at Timestamp) error {
	_, err := w.db.Exec("INSERT INTO events (type, time, involved_thread, core, eid, call_event, arg) VALUES (?, ?, ?, 0, ?, ?, ?)",
		w.types.SyncSet, int64(at), thread, eid, ocall, wait)
	return err
}
