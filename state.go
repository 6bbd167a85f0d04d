package nuster

import "net/http"

// State is the filter state of one request.
type State uint8

const (
	StateInit State = iota
	StateHitMemory
	StateHitDisk
	StateHitKV
	StatePass
	StateCreate
	StateWait
	StateDelete
	StateInvalid
	StateNotFound
	StateFull
	StateDone
	StateEmpty
	StateError
	StateBypass
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHitMemory:
		return "hit_memory"
	case StateHitDisk:
		return "hit_disk"
	case StateHitKV:
		return "hit_kv"
	case StatePass:
		return "pass"
	case StateCreate:
		return "create"
	case StateWait:
		return "wait"
	case StateDelete:
		return "delete"
	case StateInvalid:
		return "invalid"
	case StateNotFound:
		return "not_found"
	case StateFull:
		return "full"
	case StateDone:
		return "done"
	case StateEmpty:
		return "empty"
	case StateError:
		return "error"
	case StateBypass:
		return "bypass"
	}
	return "unknown"
}

// Hit reports whether s serves a stored object.
func (s State) Hit() bool {
	return s == StateHitMemory || s == StateHitDisk || s == StateHitKV
}

// Reply tells the pipeline what to answer the client with, if anything.
type Reply uint8

const (
	ReplyNone Reply = iota
	ReplyNotAllowed
	ReplyError
	ReplyNotFound
	ReplyHit
	ReplyCreate
	ReplyWait
	ReplyEnd
	ReplyFull
	ReplyEmpty
)

func (r Reply) String() string {
	switch r {
	case ReplyNone:
		return "none"
	case ReplyNotAllowed:
		return "not_allowed"
	case ReplyError:
		return "error"
	case ReplyNotFound:
		return "not_found"
	case ReplyHit:
		return "hit"
	case ReplyCreate:
		return "create"
	case ReplyWait:
		return "wait"
	case ReplyEnd:
		return "end"
	case ReplyFull:
		return "full"
	case ReplyEmpty:
		return "empty"
	}
	return "unknown"
}

// Status is the HTTP status of a terminal reply, 0 for the others.
func (r Reply) Status() int {
	switch r {
	case ReplyNotAllowed:
		return http.StatusMethodNotAllowed
	case ReplyError:
		return http.StatusInternalServerError
	case ReplyNotFound:
		return http.StatusNotFound
	case ReplyEnd:
		return http.StatusOK
	case ReplyFull:
		return http.StatusInsufficientStorage
	case ReplyEmpty:
		return http.StatusBadRequest
	}
	return 0
}

// Dir is the direction of a body stream.
type Dir uint8

const (
	DirRequest Dir = iota
	DirResponse
)

// Decision is what a filter callback asks of the pipeline.
type Decision struct {
	Reply Reply
	// Bypass skips body analysis for the rest of the request.
	Bypass bool
	// NeverWait drives the response side by store availability only.
	NeverWait bool
	// Forward sends the request upstream (cache mode).
	Forward bool
	// Wait asks the pipeline to call OnRequest again later.
	Wait bool
}
