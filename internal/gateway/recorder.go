package gateway

import (
	"context"
	"sync"
)

// Command is one command captured by Recorder.
type Command struct {
	Action      string
	Handle      string
	Text        string
	Voice       Voice
	ClientState string

	Collect  Collect
	Transfer Transfer
	On       bool
}

// Recorder is an in-memory Gateway that records every command for test
// assertions.
type Recorder struct {
	mu       sync.Mutex
	commands []Command
	errs     map[string]error
	onceErrs map[string]error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		errs:     make(map[string]error),
		onceErrs: make(map[string]error),
	}
}

func (r *Recorder) Answer(_ context.Context, handle string) error {
	return r.record(Command{Action: "answer", Handle: handle})
}

func (r *Recorder) Speak(_ context.Context, handle string, sp Speech) error {
	return r.record(Command{Action: "speak", Handle: handle, Text: sp.Text, Voice: sp.Voice, ClientState: sp.ClientState})
}

func (r *Recorder) CollectDigits(_ context.Context, handle string, c Collect) error {
	return r.record(Command{Action: "collect", Handle: handle, Text: c.Prompt, Voice: c.Voice, ClientState: c.ClientState, Collect: c})
}

func (r *Recorder) StopSpeaking(_ context.Context, handle string) error {
	return r.record(Command{Action: "stop_speaking", Handle: handle})
}

func (r *Recorder) StopCollecting(_ context.Context, handle string) error {
	return r.record(Command{Action: "stop_collecting", Handle: handle})
}

func (r *Recorder) Transfer(_ context.Context, handle string, t Transfer) error {
	return r.record(Command{Action: "transfer", Handle: handle, ClientState: t.ClientState, Transfer: t})
}

func (r *Recorder) Hangup(_ context.Context, handle string) error {
	return r.record(Command{Action: "hangup", Handle: handle})
}

func (r *Recorder) SetNoiseSuppression(_ context.Context, handle string, on bool) error {
	return r.record(Command{Action: "noise_suppression", Handle: handle, On: on})
}

func (r *Recorder) record(c Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.onceErrs[c.Action]; ok {
		delete(r.onceErrs, c.Action)
		return err
	}
	if err := r.errs[c.Action]; err != nil {
		return err
	}
	r.commands = append(r.commands, c)
	return nil
}

// SetError makes every subsequent command of the given action fail with err.
// Failed commands are not recorded. Pass nil to clear.
func (r *Recorder) SetError(action string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.errs, action)
		return
	}
	r.errs[action] = err
}

// FailNext makes only the next command of the given action fail with err.
func (r *Recorder) FailNext(action string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onceErrs[action] = err
}

// Commands returns a copy of all recorded commands.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

// Count returns how many commands of the given action were recorded.
func (r *Recorder) Count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.commands {
		if c.Action == action {
			n++
		}
	}
	return n
}

// Last returns the most recent command of the given action.
func (r *Recorder) Last(action string) (Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.commands) - 1; i >= 0; i-- {
		if r.commands[i].Action == action {
			return r.commands[i], true
		}
	}
	return Command{}, false
}

// Reset clears all recorded commands and injected errors.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
	r.errs = make(map[string]error)
	r.onceErrs = make(map[string]error)
}
