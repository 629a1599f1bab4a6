package trace

// The schema written by the capture layer. Only a subset of the columns is read by the analyzer.
const schema = `
CREATE TABLE event_map ( id INTEGER NOT NULL UNIQUE, name TEXT NOT NULL, PRIMARY KEY(id) );
CREATE TABLE general ( key TEXT NOT NULL, value INTEGER NOT NULL );
CREATE TABLE threads ( id INTEGER NOT NULL UNIQUE, pthread_id INTEGER NOT NULL, name TEXT NOT NULL, start_address INTEGER NOT NULL, start_symbol TEXT, start_symbol_file_name TEXT, start_address_normalized INTEGER, PRIMARY KEY(id) );
CREATE TABLE events ( id INTEGER PRIMARY KEY AUTOINCREMENT UNIQUE, type INTEGER NOT NULL, time INTEGER NOT NULL, involved_thread INTEGER NOT NULL, core INTEGER NOT NULL, other_thread INTEGER, arg INTEGER, start_function INTEGER, return_value INTEGER, name TEXT, eid INTEGER, file_name TEXT, enclave_start INTEGER, enclave_end INTEGER, call_id INTEGER, call_event INTEGER, aex_count INTEGER );
CREATE TABLE ocalls ( id INTEGER NOT NULL, eid INTEGER NOT NULL, symbol_name TEXT, symbol_file_name TEXT, symbol_address INTEGER, symbol_address_normalized INTEGER, PRIMARY KEY(id, eid) );
CREATE TABLE ecalls ( id INTEGER NOT NULL, eid INTEGER NOT NULL, symbol_address INTEGER NOT NULL, symbol_name TEXT, is_private INTEGER, PRIMARY KEY(id, eid) );
`

// eventTypeNames lists the event types of the capture layer, indexed by their numeric type.
var eventTypeNames = [...]string{
	"Event",
	"SignalEvent",
	"ThreadEvent",
	"ThreadCreationEvent",
	"ThreadCreatorEvent",
	"ThreadDestructionEvent",
	"ThreadSetNameEvent",
	"EnclaveEvent",
	"EnclaveCreationEvent",
	"EnclaveDestructionEvent",
	"EnclavePagingEvent",
	"EnclavePageOutEvent",
	"EnclavePageInEvent",
	"EnclaveCallEvent",
	"EnclaveECallEvent",
	"EnclaveECallReturnEvent",
	"EnclaveOCallEvent",
	"EnclaveOCallReturnEvent",
	"EnclaveSyncWaitEvent",
	"EnclaveSyncSetEvent",
	"EnclaveAEXEvent",
}

// DefaultEventTypes are the numeric event types used when a trace has no event_map table.
var DefaultEventTypes = EventTypes{
	ECall:       14,
	ECallReturn: 15,
	OCall:       16,
	OCallReturn: 17,
	SyncWait:    18,
	SyncSet:     19,
}
