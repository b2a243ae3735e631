package domain

const (
	EventNameSessionChanged = "session.changed"
	EventNameStudentChanged = "student.changed"
	EventNameRosterUpdated  = "roster.updated"
	EventNameStoreFailed    = "store.failed"
)

// EventSessionChanged is published when the current session is replaced or its status changes.
// Session is nil when no session is current any more.
type EventSessionChanged struct {
	Session *TestSession
}

func (EventSessionChanged) Name() string { return EventNameSessionChanged }

// EventStudentChanged is published when the local student's record changes its approval or
// finish state, whether through a push notification or a poll.
type EventStudentChanged struct {
	Student Student
}

func (EventStudentChanged) Name() string { return EventNameStudentChanged }

type EventRosterUpdated struct {
	Pin      string
	Students []Student
}

func (EventRosterUpdated) Name() string { return EventNameRosterUpdated }

// EventStoreFailed reports a background write that did not reach the store. Local state was
// not rolled back.
type EventStoreFailed struct {
	Op  string
	Err error
}

func (EventStoreFailed) Name() string { return EventNameStoreFailed }
