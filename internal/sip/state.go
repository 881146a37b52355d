package sip

// CallState represents the lifecycle state of a call.
type CallState int

// Call lifecycle states.
const (
	CallIdle CallState = iota
	CallCalling
	CallProceeding
	CallEarlyMedia
	CallConnected
	CallDisconnecting
	CallDisconnected
)

var callStateNames = map[CallState]string{
	CallIdle:          "Idle",
	CallCalling:       "Calling",
	CallProceeding:    "Proceeding",
	CallEarlyMedia:    "EarlyMedia",
	CallConnected:     "Connected",
	CallDisconnecting: "Disconnecting",
	CallDisconnected:  "Disconnected",
}

func (s CallState) String() string {
	if name, ok := callStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// validCallTransitions defines the allowed state machine edges. Every
// non-terminal state may fall to Disconnected.
var validCallTransitions = map[CallState][]CallState{
	CallIdle:          {CallCalling, CallProceeding, CallDisconnected},
	CallCalling:       {CallProceeding, CallEarlyMedia, CallConnected, CallDisconnecting, CallDisconnected},
	CallProceeding:    {CallEarlyMedia, CallConnected, CallDisconnecting, CallDisconnected},
	CallEarlyMedia:    {CallConnected, CallDisconnecting, CallDisconnected},
	CallConnected:     {CallDisconnecting, CallDisconnected},
	CallDisconnecting: {CallDisconnected},
	CallDisconnected:  {},
}

// CanTransitionTo reports whether the edge from s to target is legal.
func (s CallState) CanTransitionTo(target CallState) bool {
	for _, allowed := range validCallTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state is final.
func (s CallState) IsTerminal() bool { return s == CallDisconnected }

// RegistrationState represents the lifecycle state of a registration.
type RegistrationState int

// Registration lifecycle states.
const (
	RegistrationNone RegistrationState = iota
	RegistrationRegistering
	RegistrationRegistered
	RegistrationUnregistering
	RegistrationUnregistered
	RegistrationFailed
)

var registrationStateNames = map[RegistrationState]string{
	RegistrationNone:          "None",
	RegistrationRegistering:   "Registering",
	RegistrationRegistered:    "Registered",
	RegistrationUnregistering: "Unregistering",
	RegistrationUnregistered:  "Unregistered",
	RegistrationFailed:        "Failed",
}

func (s RegistrationState) String() string {
	if name, ok := registrationStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

var validRegistrationTransitions = map[RegistrationState][]RegistrationState{
	RegistrationNone:          {RegistrationRegistering},
	RegistrationRegistering:   {RegistrationRegistered, RegistrationFailed},
	RegistrationRegistered:    {RegistrationRegistering, RegistrationUnregistering, RegistrationFailed},
	RegistrationUnregistering: {RegistrationUnregistered, RegistrationFailed},
	RegistrationUnregistered:  {RegistrationRegistering},
	RegistrationFailed:        {RegistrationRegistering},
}

// CanTransitionTo reports whether the edge from s to target is legal.
func (s RegistrationState) CanTransitionTo(target RegistrationState) bool {
	for _, allowed := range validRegistrationTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// TransactionState represents the state of a client or server
// transaction. Client INVITE transactions start in Calling; all others
// start in Trying.
type TransactionState int

// Transaction states.
const (
	TransactionCalling TransactionState = iota
	TransactionTrying
	TransactionProceeding
	TransactionCompleted
	TransactionTerminated
)

var transactionStateNames = map[TransactionState]string{
	TransactionCalling:    "Calling",
	TransactionTrying:     "Trying",
	TransactionProceeding: "Proceeding",
	TransactionCompleted:  "Completed",
	TransactionTerminated: "Terminated",
}

func (s TransactionState) String() string {
	if name, ok := transactionStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

var validTransactionTransitions = map[TransactionState][]TransactionState{
	TransactionCalling:    {TransactionProceeding, TransactionCompleted, TransactionTerminated},
	TransactionTrying:     {TransactionProceeding, TransactionCompleted, TransactionTerminated},
	TransactionProceeding: {TransactionCompleted, TransactionTerminated},
	TransactionCompleted:  {TransactionTerminated},
	TransactionTerminated: {},
}

// CanTransitionTo reports whether the edge from s to target is legal.
func (s TransactionState) CanTransitionTo(target TransactionState) bool {
	for _, allowed := range validTransactionTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}
