package runtime

import (
	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
)

// InstructionKind discriminates the instruction union.
type InstructionKind string

const (
	InstrWriteToLedger         InstructionKind = "write_to_ledger"
	InstrAwaitEvent            InstructionKind = "await_event"
	InstrAwaitThreshold        InstructionKind = "await_threshold"
	InstrCheckForEvent         InstructionKind = "check_for_event"
	InstrGetLedgerState        InstructionKind = "get_ledger_state"
	InstrGetCurrentEpoch       InstructionKind = "get_current_epoch"
	InstrWaitEpochs            InstructionKind = "wait_epochs"
	InstrCheckSessionCollision InstructionKind = "check_session_collision"
	InstrMarkSharesForDeletion InstructionKind = "mark_shares_for_deletion"
	InstrRunSubProtocol        InstructionKind = "run_sub_protocol"
)

// Instruction is one step a protocol asks the runtime to perform. Scripts
// normally go through the typed Coroutine methods, which build instructions
// and hand them to Perform; keeping the union explicit lets traces, tests
// and the simulator treat protocol steps as data.
type Instruction struct {
	Kind InstructionKind

	// WriteToLedger, MarkSharesForDeletion
	EventType event.EventType
	Payload   any

	// AwaitEvent, AwaitThreshold, CheckForEvent
	Filter        event.Filter
	Count         int
	TimeoutEpochs uint64 // 0 means no deadline

	// WaitEpochs
	Epochs uint64

	// CheckSessionCollision
	Operation event.ProtocolType
	Context   aura.ContextID

	// MarkSharesForDeletion
	Session   aura.SessionID
	TTLEpochs uint64

	// RunSubProtocol
	SubProtocol string
}

// ResultKind discriminates the result union.
type ResultKind string

const (
	ResEventWritten   ResultKind = "event_written"
	ResEventReceived  ResultKind = "event_received"
	ResEventsReceived ResultKind = "events_received"
	// ResTimeout is the non-blocking probe miss. Blocking waits report
	// timeouts as ErrTimeout instead.
	ResTimeout       ResultKind = "timeout"
	ResLedgerState   ResultKind = "ledger_state"
	ResCurrentEpoch  ResultKind = "current_epoch"
	ResEpochsElapsed ResultKind = "epochs_elapsed"
	ResSessionStatus ResultKind = "session_status"
)

// Result is the value an instruction produced.
type Result struct {
	Kind   ResultKind
	Event  *event.Event
	Events []*event.Event
	State  *ledger.AccountState
	Epoch  uint64
	Status *SessionStatus
}

// SessionStatus reports lock arbitration: the shared arbitration session,
// any concurrent non-terminal sessions found for the same operation and
// context, and the lottery outcome.
type SessionStatus struct {
	SessionID aura.SessionID
	Existing  []aura.SessionID
	Ticket    aura.Hash32
	Winner    aura.DeviceID
	Won       bool
}
