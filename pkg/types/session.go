package types

// Session represents a conversation session with the server.
type Session struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"projectID,omitempty"`
	Directory string      `json:"directory,omitempty"`
	ParentID  *string     `json:"parentID,omitempty"`
	Title     string      `json:"title"`
	Version   string      `json:"version,omitempty"`
	Time      SessionTime `json:"time"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// SessionError is the payload carried by a session.error event.
type SessionError struct {
	Name string           `json:"name"`
	Data MessageErrorData `json:"data"`
}

func (e *SessionError) Error() string {
	if e.Data.Message != "" {
		return e.Data.Message
	}
	if e.Name != "" {
		return e.Name
	}
	return "unknown error"
}
