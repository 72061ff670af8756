package syncer

// Event reports sync pass progress. The concrete type is Started, Progress,
// Error or Completed.
type Event interface {
	Kind() string
	isEvent()
}

// Started opens a pass. Pending is the size of the work list.
type Started struct {
	Pending int
}

// Progress follows every delivered message.
type Progress struct {
	MessageID string
	Sent      int
	Failed    int
	Total     int
}

// Error follows every failed delivery.
type Error struct {
	MessageID  string
	Err        error
	RetryCount int
	WillRetry  bool
}

// Completed closes a pass.
type Completed struct {
	Sent   int
	Failed int
}

func (Started) Kind() string   { return "started" }
func (Progress) Kind() string  { return "progress" }
func (Error) Kind() string     { return "error" }
func (Completed) Kind() string { return "completed" }

func (Started) isEvent()   {}
func (Progress) isEvent()  {}
func (Error) isEvent()     {}
func (Completed) isEvent() {}
