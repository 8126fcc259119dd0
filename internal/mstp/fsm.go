package mstp

// MasterState is one of the MS/TP master FSM states, per spec.md
// section 4.6.
type MasterState int

const (
	Initialize MasterState = iota
	Idle
	UseToken
	WaitForReply
	DoneWithToken
	PassToken
	NoToken
	PollForMaster
	AnswerDataRequest
)

func (s MasterState) String() string {
	switch s {
	case Initialize:
		return "Initialize"
	case Idle:
		return "Idle"
	case UseToken:
		return "UseToken"
	case WaitForReply:
		return "WaitForReply"
	case DoneWithToken:
		return "DoneWithToken"
	case PassToken:
		return "PassToken"
	case NoToken:
		return "NoToken"
	case PollForMaster:
		return "PollForMaster"
	case AnswerDataRequest:
		return "AnswerDataRequest"
	default:
		return "Unknown"
	}
}

// Event drives the master FSM's pure transition table.
type Event int

const (
	EventReceivedToken Event = iota
	EventReceivedPFM
	EventReceivedReplyToPFM
	EventReceivedDataExpectingReply
	EventReceivedDataNotExpectingReply
	EventReplyTimeout
	EventUsageTimeout
	EventNoTokenTimeout
	EventFramesToSend
	EventNoFramesToSend
	EventSendComplete
	EventLineActivity
	EventReplyReady
	EventReplyPostponedNeeded
)

func (e Event) String() string {
	names := [...]string{
		"ReceivedToken", "ReceivedPFM", "ReceivedReplyToPFM",
		"ReceivedDataExpectingReply", "ReceivedDataNotExpectingReply",
		"ReplyTimeout", "UsageTimeout", "NoTokenTimeout",
		"FramesToSend", "NoFramesToSend", "SendComplete",
		"LineActivity", "ReplyReady", "ReplyPostponedNeeded",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return "Unknown"
}

// Action is a side effect the Port orchestrator must perform after a
// transition.
type Action int

const (
	ActionSendToken Action = iota
	ActionSendPFM
	ActionSendReplyToPFM
	ActionSendQueuedFrame
	ActionSendReply
	ActionSendReplyPostponed
	ActionArmReplyTimeout
	ActionArmUsageTimeout
	ActionArmNoTokenTimeout
	ActionArmReplyDelay
	ActionIncrementTokenCount
	ActionResetTokenCount
	ActionAdvancePollStation
	ActionBecomeSoleMaster
	ActionDeliverToUpperLayer
)

type stateEvent struct {
	state MasterState
	event Event
}

type transition struct {
	newState MasterState
	actions  []Action
}

// fsmTable is the master FSM's pure transition table, built directly
// from spec.md section 4.6's nominal token life-cycle.
var fsmTable = map[stateEvent]transition{
	{Initialize, EventNoTokenTimeout}: {NoToken, nil},
	// A token frame addressed to us is a ring invitation regardless of
	// whether our own no-token silence window has expired yet: joining
	// an existing ring must not wait out Tno_token first.
	{Initialize, EventReceivedToken}: {UseToken, nil},

	{NoToken, EventLineActivity}:   {NoToken, nil},
	{NoToken, EventNoTokenTimeout}: {Idle, []Action{ActionBecomeSoleMaster}},

	{Idle, EventReceivedToken}:     {UseToken, nil},
	{Idle, EventReceivedPFM}:       {Idle, []Action{ActionSendReplyToPFM}},
	{Idle, EventReceivedDataExpectingReply}: {AnswerDataRequest, nil},

	{UseToken, EventFramesToSend}:   {WaitForReply, []Action{ActionSendQueuedFrame, ActionArmReplyTimeout}},
	{UseToken, EventNoFramesToSend}: {DoneWithToken, nil},
	{UseToken, EventSendComplete}:   {DoneWithToken, nil},

	{WaitForReply, EventReceivedDataNotExpectingReply}: {DoneWithToken, []Action{ActionDeliverToUpperLayer}},
	{WaitForReply, EventReceivedDataExpectingReply}:     {DoneWithToken, []Action{ActionDeliverToUpperLayer}},
	{WaitForReply, EventReplyTimeout}:                   {DoneWithToken, nil},

	{DoneWithToken, EventFramesToSend}:   {IdleKeepToken, nil},
	{DoneWithToken, EventNoFramesToSend}: {PassToken, []Action{ActionIncrementTokenCount}},

	{PassToken, EventLineActivity}:   {Idle, nil},
	{PassToken, EventUsageTimeout}:   {PollForMaster, nil},

	{PollForMaster, EventReceivedReplyToPFM}: {PassToken, []Action{ActionResetTokenCount}},
	{PollForMaster, EventUsageTimeout}:       {PassToken, []Action{ActionBecomeSoleMaster}},

	{AnswerDataRequest, EventReplyReady}:            {Idle, []Action{ActionSendReply}},
	{AnswerDataRequest, EventReplyPostponedNeeded}:  {Idle, []Action{ActionSendReplyPostponed}},
}

// IdleKeepToken is a synthetic alias: DoneWithToken re-entering
// UseToken when more frames are queued and frame_count still permits
// it. Kept distinct from Idle so the Port orchestrator can tell "still
// holding the token" apart from "token relinquished".
const IdleKeepToken = UseToken

// Result is the outcome of applying an Event to a MasterState: the
// (possibly unchanged) new state plus the actions to execute.
type Result struct {
	OldState MasterState
	NewState MasterState
	Actions  []Action
	Changed  bool
}

// ApplyEvent looks up (state, event) in the transition table and
// returns the resulting Result. Unknown (state, event) pairs are
// silently ignored, returning the state unchanged.
func ApplyEvent(state MasterState, event Event) Result {
	t, ok := fsmTable[stateEvent{state, event}]
	if !ok {
		return Result{OldState: state, NewState: state}
	}
	return Result{OldState: state, NewState: t.newState, Actions: t.actions, Changed: t.newState != state}
}

// SlaveState is one of the two MS/TP slave FSM states, per spec.md
// section 4.7.
type SlaveState int

const (
	SlaveIdle SlaveState = iota
	SlaveAnswerDataRequest
)

func (s SlaveState) String() string {
	if s == SlaveAnswerDataRequest {
		return "AnswerDataRequest"
	}
	return "Idle"
}

// SlaveResult is the outcome of applying an Event to a SlaveState.
type SlaveResult struct {
	OldState SlaveState
	NewState SlaveState
	Actions  []Action
	Changed  bool
}

// ApplySlaveEvent is the slave FSM's trivial transition function: a
// slave never claims a token, never passes PFM along, and only ever
// toggles between Idle and AnswerDataRequest.
func ApplySlaveEvent(state SlaveState, event Event) SlaveResult {
	switch {
	case state == SlaveIdle && event == EventReceivedDataExpectingReply:
		return SlaveResult{OldState: SlaveIdle, NewState: SlaveAnswerDataRequest, Changed: true}
	case state == SlaveAnswerDataRequest && (event == EventReplyReady):
		return SlaveResult{OldState: state, NewState: SlaveIdle, Actions: []Action{ActionSendReply}, Changed: true}
	case state == SlaveAnswerDataRequest && event == EventReplyPostponedNeeded:
		return SlaveResult{OldState: state, NewState: SlaveIdle, Changed: true}
	default:
		return SlaveResult{OldState: state, NewState: state}
	}
}
