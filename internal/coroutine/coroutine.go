// Package coroutine runs a function on its own goroutine and hands control
// back and forth with the caller at explicit yield points.
//
// Exactly one side runs at any time: the caller blocks in Start or Next while
// the body runs, and the body blocks in Yield while the caller runs. This
// gives the body generator semantics without any shared-state locking.
package coroutine

import (
	"fmt"
)

// killed is the panic value used to unwind a body when Return is called.
type killed struct{}

// IsKilled reports whether a recovered panic value is the unwinding signal
// raised by Return. Bodies that recover panics must re-panic such values.
func IsKilled(r any) bool {
	_, ok := r.(killed)
	return ok
}

type resumeMsg[In any] struct {
	value In
	kill  bool
}

type outMsg[Out any] struct {
	value    Out
	done     bool
	panicked any
}

// Coroutine is a suspended function that yields values of type Out and is
// resumed with values of type In. It is not safe for concurrent use.
type Coroutine[Out, In any] struct {
	fn       func(y *Yielder[Out, In]) Out
	resume   chan resumeMsg[In]
	out      chan outMsg[Out]
	started  bool
	finished bool
	killing  bool
}

// Yielder is handed to the body to suspend it.
type Yielder[Out, In any] struct {
	c *Coroutine[Out, In]
}

// New creates a coroutine for fn. The body does not run until Start.
// The value fn returns is delivered as the final output with done=true.
func New[Out, In any](fn func(y *Yielder[Out, In]) Out) *Coroutine[Out, In] {
	return &Coroutine[Out, In]{
		fn:     fn,
		resume: make(chan resumeMsg[In]),
		out:    make(chan outMsg[Out]),
	}
}

// Start runs the body until its first yield or return.
func (c *Coroutine[Out, In]) Start() (Out, bool) {
	if c.started {
		panic("coroutine: already started")
	}
	c.started = true
	go c.run()
	return c.wait()
}

// Next resumes the body with v and runs it until the next yield or return.
// Calling Next on a finished coroutine returns the zero value and done=true.
func (c *Coroutine[Out, In]) Next(v In) (Out, bool) {
	if !c.started {
		panic("coroutine: Next before Start")
	}
	if c.finished {
		var zero Out
		return zero, true
	}
	c.resume <- resumeMsg[In]{value: v}
	return c.wait()
}

// Return unwinds a suspended body so its deferred functions run, and waits
// for it to exit. It is a no-op on coroutines that never started or have
// already finished.
func (c *Coroutine[Out, In]) Return() {
	if !c.started || c.finished {
		c.finished = true
		return
	}
	c.resume <- resumeMsg[In]{kill: true}
	<-c.out
	c.finished = true
}

// Done reports whether the body has returned or been killed.
func (c *Coroutine[Out, In]) Done() bool {
	return c.finished
}

func (c *Coroutine[Out, In]) run() {
	var msg outMsg[Out]
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(killed); !ok {
				msg = outMsg[Out]{panicked: r}
			}
		}
		msg.done = true
		c.out <- msg
	}()

	msg.value = c.fn(&Yielder[Out, In]{c: c})
}

func (c *Coroutine[Out, In]) wait() (Out, bool) {
	msg := <-c.out
	if msg.done {
		c.finished = true
	}
	if msg.panicked != nil {
		panic(fmt.Sprintf("coroutine: body panicked: %v", msg.panicked))
	}
	return msg.value, msg.done
}

// Yield suspends the body, handing v to the caller, and returns the value
// passed to the next Next. If the coroutine is being killed, Yield unwinds
// the body instead of returning.
func (y *Yielder[Out, In]) Yield(v Out) In {
	c := y.c
	if c.killing {
		panic(killed{})
	}
	c.out <- outMsg[Out]{value: v}
	msg := <-c.resume
	if msg.kill {
		c.killing = true
		panic(killed{})
	}
	return msg.value
}
