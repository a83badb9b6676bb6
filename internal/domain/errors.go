package domain

import "errors"

var (
	// ErrTransportUnavailable means the signaling service could not be reached; callers degrade to an offline identity.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrIdentityTaken is returned when a preferred identity is registered to another node.
	ErrIdentityTaken = errors.New("identity already registered")
	// ErrLinkTimeout is returned when a link did not open within the connect bound.
	ErrLinkTimeout = errors.New("link establishment timed out")
	// ErrPeerNotFound is returned when the remote identity is not registered with the rendezvous service.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrMalformedMessage marks an envelope that failed validation.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrInvalidTransition is returned when an action is not allowed in the current phase.
	ErrInvalidTransition = errors.New("action not allowed in current phase")
	// ErrEmptyBank is returned when locking a session without questions.
	ErrEmptyBank = errors.New("question bank is empty")
	// ErrQuestionNotFound indicates a question id is not part of the bank.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrInvalidQuestion indicates a question failed validation.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrParticipantNotFound is returned when a peer acts before joining.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrInvalidSettings is returned for unknown session settings values.
	ErrInvalidSettings = errors.New("invalid session settings")
	// ErrBankNotFound indicates a question bank could not be loaded.
	ErrBankNotFound = errors.New("question bank not found")
	// ErrNotJoined is returned by the participant agent before a successful join.
	ErrNotJoined = errors.New("not joined to a controller")
	// ErrNoActiveQuestion is returned when submitting without a live question.
	ErrNoActiveQuestion = errors.New("no active question")
	// ErrAlreadySubmitted is returned on a second submission for the same question.
	ErrAlreadySubmitted = errors.New("answer already submitted")
	// ErrOptionOutOfRange is returned when the selected option does not exist.
	ErrOptionOutOfRange = errors.New("option out of range")
	// ErrStopped is returned by node APIs once their event loop has exited.
	ErrStopped = errors.New("event loop stopped")
)

// JoinGuidance turns a connect failure into text a participant can act on.
func JoinGuidance(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPeerNotFound):
		return "Controller ID not found or the controller is offline. Please double-check the ID."
	case errors.Is(err, ErrLinkTimeout):
		return "Connection timed out. Ensure you are on the same network as the controller."
	default:
		return "Could not connect to the controller."
	}
}
