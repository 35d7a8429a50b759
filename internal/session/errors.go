package session

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionFull       = errors.New("session is full")
	ErrSessionEnded      = errors.New("session has ended")
	ErrObserversDisabled = errors.New("observers are not allowed in this session")
	ErrRegistryFull      = errors.New("registry cannot accept more sessions")
	ErrAlreadyInSession  = errors.New("participant already holds a seat in another session")
	ErrNotAuthorized     = errors.New("not authorized for this action")
	ErrEmptyIntervention = errors.New("intervention text is empty")
	ErrNotAwaiting       = errors.New("conversation is not awaiting an intervention")
	ErrAlreadyStarted    = errors.New("conversation already started")
	ErrNotStarted        = errors.New("conversation not started")
	ErrVoteOpen          = errors.New("another intervention proposal is already open")
	ErrNoVoteOpen        = errors.New("no intervention proposal is open")
	ErrAlreadyVoted      = errors.New("participant already voted on this proposal")
)
