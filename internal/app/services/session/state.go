package session

// State is the session lifecycle position. Transitions are guarded by the
// table below; an illegal transition is a no-op, which is what makes
// duplicate login-completion delivery harmless.
type State string

const (
	StateUninitialized  State = "uninitialized"
	StateReady          State = "ready"
	StateAwaitingDevice State = "awaiting_device"
	StateAwaitingLogin  State = "awaiting_login"
	StateLoginCompleted State = "login_completed"
	StatePostLogin      State = "post_login"
	StateActive         State = "active"
	StateErrored        State = "errored"
)

var transitions = map[State][]State{
	StateUninitialized:  {StateReady},
	StateReady:          {StateAwaitingDevice},
	StateAwaitingDevice: {StateAwaitingLogin, StateErrored},
	StateAwaitingLogin:  {StateLoginCompleted, StateErrored, StateReady},
	StateLoginCompleted: {StatePostLogin, StateErrored},
	StatePostLogin:      {StateActive, StateErrored},
	StateActive:         {StateReady},
	StateErrored:        {StateReady, StateAwaitingDevice},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
